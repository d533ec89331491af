package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/hypernetix/chatstream-go/pkg/chatstream"
)

// coverageFile is set at build time via -ldflags for instrumented builds
var coverageFile string

// printTableHeader prints a table header with specified column widths
func printTableHeader(columns []string, widths []int) {
	for i, col := range columns {
		fmt.Printf("%-*s", widths[i], col)
		if i < len(columns)-1 {
			fmt.Printf(" | ")
		}
	}
	fmt.Println()

	for i, width := range widths {
		fmt.Print(strings.Repeat("-", width))
		if i < len(widths)-1 {
			fmt.Print("-+-")
		}
	}
	fmt.Println()
}

// truncateString truncates a string if it's longer than maxLen and adds "..."
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// formatCreated renders a unix timestamp as a date, or N/A
func formatCreated(created int64) string {
	if created == 0 {
		return "N/A"
	}
	return time.Unix(created, 0).UTC().Format("2006-01-02")
}

// printModels prints models in a table or as JSON
func printModels(models []chatstream.ModelInfo, jsonOutput bool) {
	if jsonOutput {
		printJSON(models)
		return
	}

	fmt.Printf("\nModels:\n")
	if len(models) == 0 {
		fmt.Println("No models found")
		return
	}

	longest := 0
	for _, m := range models {
		if len(m.ID) > longest {
			longest = len(m.ID)
		}
	}
	longest = max(longest, 15) + 2

	columns := []string{"ID", "Owned by", "Created"}
	widths := []int{longest, 20, 10}
	printTableHeader(columns, widths)

	for _, m := range models {
		owner := m.OwnedBy
		if owner == "" {
			owner = "N/A"
		}
		fmt.Printf("%-*s | %-20s | %-10s\n",
			longest,
			truncateString(m.ID, longest),
			truncateString(owner, 20),
			formatCreated(m.Created))
	}
}

func printJSON(v interface{}) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshalling to JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(jsonData))
}

// settingsOverrides are the command-line values that take precedence over the
// settings file. They are re-applied whenever the file is reloaded.
type settingsOverrides struct {
	baseURL      string
	model        string
	apiKey       string
	systemPrompt string
	temperature  float64
	dialect      string
	// discovered is set by -discover; local servers accept any bearer token
	discovered bool
}

func (o settingsOverrides) apply(s *chatstream.Settings) {
	if o.baseURL != "" {
		s.BaseURL = o.baseURL
	}
	if o.model != "" {
		s.Model = o.model
	}
	if o.apiKey != "" {
		s.APIKey = o.apiKey
	}
	if o.systemPrompt != "" {
		s.SystemPrompt = o.systemPrompt
	}
	if o.temperature >= 0 {
		s.Chat.Temperature = chatstream.Float(o.temperature)
	}
	if o.dialect != "" {
		s.Dialect = o.dialect
	}
	if o.discovered && s.APIKey == "" {
		s.APIKey = "local"
	}
}

// streamPrinter writes reasoning and content deltas to the terminal as they arrive
type streamPrinter struct {
	inReasoning bool
	quiet       bool
}

func (p *streamPrinter) print(contentDelta, reasoningDelta string) {
	if p.quiet {
		return
	}
	if reasoningDelta != "" {
		if !p.inReasoning {
			fmt.Print("Thinking: ")
			p.inReasoning = true
		}
		fmt.Print(reasoningDelta)
	}
	if contentDelta != "" {
		if p.inReasoning {
			fmt.Print("\n\nResponse: ")
			p.inReasoning = false
		}
		fmt.Print(contentDelta)
	}
}

// runPrompt streams a prompt through a local service. Ctrl+C aborts the stream.
func runPrompt(svc *chatstream.ChatService, prompt string, jsonOutput bool, logger chatstream.Logger) error {
	conv := chatstream.NewConversation("")
	printer := &streamPrinter{quiet: jsonOutput}

	done := make(chan struct{})
	svc.Emitter().OnAny(func(ev chatstream.Event) {
		switch e := ev.(type) {
		case chatstream.Data:
			printer.print(e.ContentDelta, e.ReasoningDelta)
		case chatstream.Abort:
			if !jsonOutput {
				fmt.Println("\n[aborted]")
			}
		case chatstream.Close:
			logger.Debug("Stream closed by server without completion marker")
		case chatstream.Done:
			close(done)
		}
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		select {
		case <-interrupt:
			svc.Abort()
		case <-done:
		}
	}()

	if !jsonOutput {
		fmt.Printf("\nSending prompt to model: %s\n", svc.Model())
		fmt.Printf("Prompt: %s\n", prompt)
		fmt.Println("Response:")
	}

	err := svc.Send(context.Background(), prompt, conv)
	if !errors.Is(err, chatstream.ErrMissingAPIKey) {
		<-done
	}
	if jsonOutput {
		printJSON(conv)
	} else {
		fmt.Println("")
	}
	if id, created := svc.ChatCompletion(); id != "" {
		logger.Debug("Chat completion %s created %d", id, created)
	}

	if err != nil {
		var re *chatstream.RetriableError
		if errors.As(err, &re) && re.RetryAfter > 0 {
			return fmt.Errorf("%w (try again in %s)", err, re.RetryAfter)
		}
		return err
	}
	return nil
}

// runRelayPrompt sends a prompt through a remote relay and prints the events
func runRelayPrompt(addr, conversationID, prompt string, jsonOutput bool, logger chatstream.Logger) error {
	client, err := chatstream.DialRelay(addr, conversationID, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	printer := &streamPrinter{quiet: jsonOutput}
	sent := false
	var failure error
	for {
		select {
		case <-interrupt:
			if err := client.Abort(); err != nil {
				return err
			}
		case msg, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("relay connection closed")
			}
			switch msg.Type {
			case "ready":
				if sent {
					continue
				}
				sent = true
				logger.Debug("Relay session ready for conversation %s", msg.ConversationID)
				if err := client.Send(prompt); err != nil {
					return err
				}
			case chatstream.EventData.String():
				printer.print(msg.ContentDelta, msg.ReasoningDelta)
			case chatstream.EventError.String():
				failure = fmt.Errorf("%s error: %s", msg.ErrorKind, msg.Error)
				if msg.MessageID == "" {
					return failure
				}
			case chatstream.EventAbort.String():
				if !jsonOutput {
					fmt.Println("\n[aborted]")
				}
			case chatstream.EventDone.String():
				if jsonOutput {
					fmt.Println(string(msg.Conversation))
				} else {
					fmt.Println("")
				}
				return failure
			}
		}
	}
}

func main() {
	if coverageFile != "" {
		fmt.Printf("Running with code coverage. Data will be written to: %s\n", coverageFile)
	}

	configPath := flag.String("config", chatstream.DefaultSettingsPath, "Path to the TOML settings file")
	baseURL := flag.String("base-url", "", fmt.Sprintf("Chat completions base URL (default: %s)", chatstream.DefaultBaseURL))
	model := flag.String("model", "", fmt.Sprintf("Model to use (default: %s)", chatstream.DefaultModel))
	apiKey := flag.String("key", "", "API key (or set "+chatstream.EnvAPIKey+")")
	systemPrompt := flag.String("system", "", "System prompt seeded into new conversations")
	temperature := flag.Float64("temp", -1, "Temperature for sampling (default: server default)")
	dialect := flag.String("dialect", "", "Reasoning dialect: "+strings.Join(chatstream.DialectNames(), ", "))
	promptText := flag.String("prompt", "", "Send a prompt and stream the response")
	jsonOutput := flag.Bool("json", false, "Output results in JSON format")
	listModels := flag.Bool("list-models", false, "List the models offered by the endpoint")
	checkStatus := flag.Bool("status", false, "Check whether the endpoint is reachable")
	discover := flag.Bool("discover", false, "Discover a local OpenAI-compatible server and use it")
	host := flag.String("host", "", "Host to probe with -discover")
	port := flag.Int("port", 0, "Port to probe with -discover")
	serveAddr := flag.String("serve", "", "Serve the websocket relay on this address (e.g. :8787)")
	watch := flag.Bool("watch", false, "Reload the settings file while serving")
	relayAddr := flag.String("relay", "", "Send the prompt through a remote relay (e.g. ws://localhost:8787)")
	conversationID := flag.String("conversation", "", "Conversation ID to use with -relay")
	save := flag.Bool("save", false, "Save the effective settings to the config file")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	trace := flag.Bool("vv", false, "Enable trace logging")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if flag.NFlag() == 0 {
		fmt.Println("Chatstream CLI")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Println("  Stream a reply:")
		fmt.Println("     --prompt=\"Hello, how are you?\"")
		fmt.Println("\n  Use a reasoning model:")
		fmt.Println("     --base-url=https://api.deepseek.com --model=deepseek-reasoner --dialect=deepseek --prompt=\"Why is the sky blue?\"")
		fmt.Println("\n  Use a local server:")
		fmt.Println("     --discover --prompt=\"Hello\"")
		fmt.Println("\n  List models:")
		fmt.Println("     --list-models")
		fmt.Println("\n  Serve the relay and reload settings on change:")
		fmt.Println("     --serve=:8787 --watch")
		fmt.Println("\n  Send through a relay:")
		fmt.Println("     --relay=ws://localhost:8787 --prompt=\"Hello\"")
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Chatstream CLI version: %s\n", chatstream.Version)
		os.Exit(0)
	}

	settings, err := chatstream.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger := chatstream.NewLogger(settings.LogLevel())
	if *verbose {
		logger.SetLevel(chatstream.LogLevelDebug)
	}
	if *trace {
		logger.SetLevel(chatstream.LogLevelTrace)
	}

	overrides := settingsOverrides{
		baseURL:      *baseURL,
		model:        *model,
		apiKey:       *apiKey,
		systemPrompt: *systemPrompt,
		temperature:  *temperature,
		dialect:      *dialect,
	}
	overrides.apply(&settings)

	if *discover {
		logger.Debug("Attempting to discover a local server...")
		url, err := chatstream.DiscoverServer(*host, *port, logger)
		if err != nil {
			logger.Error("Could not discover a local server, try to set -base-url explicitly")
			os.Exit(1)
		}
		fmt.Printf("Discovered server at %s\n", url)
		overrides.baseURL = url
		overrides.discovered = true
		overrides.apply(&settings)
	}

	if *save {
		if err := chatstream.SaveSettings(*configPath, settings); err != nil {
			logger.Error("Failed to save settings: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Settings saved to %s\n", *configPath)
	}

	if *relayAddr != "" {
		if *promptText == "" {
			logger.Error("-relay requires -prompt")
			os.Exit(1)
		}
		if err := runRelayPrompt(*relayAddr, *conversationID, *promptText, *jsonOutput, logger); err != nil {
			logger.Error("Relay prompt failed: %v", err)
			os.Exit(1)
		}
		return
	}

	svc, err := chatstream.NewChatServiceFromSettings(settings, logger)
	if err != nil {
		logger.Error("Invalid settings: %v", err)
		os.Exit(1)
	}
	defer svc.Destroy()

	if *checkStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := svc.ListModels(ctx)
		cancel()
		if err != nil {
			fmt.Printf("Chat completions endpoint status: ERROR - %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Chat completions endpoint status: RUNNING @ %s\n", svc.BaseURL())
	}

	if *listModels {
		models, err := svc.ListModels(context.Background())
		if err != nil {
			logger.Error("Failed to list models: %v", err)
			os.Exit(1)
		}
		printModels(models, *jsonOutput)
	}

	if *promptText != "" {
		if settings.APIKey == "" {
			logger.Error("Missing API key, see %s", chatstream.KeyHelpURL)
			os.Exit(1)
		}
		if err := runPrompt(svc, *promptText, *jsonOutput, logger); err != nil {
			logger.Error("Failed to send prompt: %v", err)
			os.Exit(1)
		}
	}

	if *serveAddr != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		relay := chatstream.NewRelayServer(settings, logger)
		if *watch {
			err := chatstream.WatchSettings(ctx, *configPath, logger, func(s chatstream.Settings) {
				overrides.apply(&s)
				if err := relay.UpdateSettings(s); err != nil {
					logger.Warn("Rejected settings update: %v", err)
				}
			})
			if err != nil {
				logger.Error("Failed to watch settings: %v", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Relay listening on ws://%s%s (Ctrl+C to stop)\n", *serveAddr, chatstream.RelayPath)
		if err := relay.ListenAndServe(ctx, *serveAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Relay stopped: %v", err)
			os.Exit(1)
		}
		fmt.Println("\nShutting down...")
	}

	if coverageFile != "" {
		fmt.Printf("Writing coverage data to: %s\n", coverageFile)
	}
}
