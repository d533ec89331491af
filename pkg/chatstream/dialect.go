package chatstream

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect describes where a vendor puts the reasoning channel inside a streamed delta
type Dialect struct {
	Name string
	// ReasoningFields are probed in order. With Probe set the accumulator locks
	// onto the first field that carries text for the rest of the stream.
	ReasoningFields []string
	Probe           bool
}

var (
	DialectAuto       = Dialect{Name: "auto", ReasoningFields: []string{"reasoning_content", "reasoning"}, Probe: true}
	DialectDeepSeek   = Dialect{Name: "deepseek", ReasoningFields: []string{"reasoning_content"}}
	DialectOpenRouter = Dialect{Name: "openrouter", ReasoningFields: []string{"reasoning"}}
	DialectOpenAI     = Dialect{Name: "openai"}
)

var dialects = map[string]Dialect{
	DialectAuto.Name:       DialectAuto,
	DialectDeepSeek.Name:   DialectDeepSeek,
	DialectOpenRouter.Name: DialectOpenRouter,
	DialectOpenAI.Name:     DialectOpenAI,
}

// LookupDialect resolves a dialect by name; "" means auto
func LookupDialect(name string) (Dialect, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DialectAuto, nil
	}
	d, ok := dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown dialect %q (known: %s)", name, strings.Join(DialectNames(), ", "))
	}
	return d, nil
}

// DialectNames lists the registered dialect names, sorted
func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
