package chatstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
)

// ModelInfo is one entry of the /models listing
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ListModels fetches the models offered by the configured endpoint, sorted by id
func (s *ChatService) ListModels(ctx context.Context) ([]ModelInfo, error) {
	s.mu.Lock()
	url := s.baseURL + ModelsEndpoint
	apiKey := s.apiKey
	headers := s.headers
	client := s.client
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout*5)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	s.logger.Debug("GET %s", url)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return nil, classifyStatus(resp.StatusCode, resp.Header, data)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	s.logger.Debug("Endpoint lists %d models", len(list.Data))
	return list.Data, nil
}

func generateURLs(hosts []string, ports []int) (urls []string) {
	protocols := []string{"http", "https"}

	if len(hosts) == 0 || hosts[0] == "" {
		hosts = LocalAPIHosts
	}
	if len(ports) == 0 || ports[0] == 0 {
		ports = LocalAPIPorts
	}

	for _, proto := range protocols {
		for _, host := range hosts {
			for _, port := range ports {
				urls = append(urls, fmt.Sprintf("%s://%s:%d", proto, host, port))
			}
		}
	}
	return urls
}

// DiscoverServer looks for a local OpenAI-compatible server (LM Studio, Ollama,
// llama.cpp). Localhost candidates are tried first, then the IPv4 addresses of
// the local network interfaces. It returns the base URL including the /v1 prefix.
func DiscoverServer(host string, port int, logger Logger) (string, error) {
	if logger == nil {
		logger = NewLogger(LogLevelInfo)
	}

	logger.Debug("Attempting to discover a local completions server...")

	for _, url := range generateURLs([]string{host}, []int{port}) {
		logger.Debug("Checking %s", url)
		if isServerRunning(url, logger) {
			logger.Debug("Server found at %s", url)
			return url + "/v1", nil
		}
	}

	netAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	ipaddrs := []string{}
	for _, netAddr := range netAddrs {
		if ipnet, ok := netAddr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ipaddrs = append(ipaddrs, ipnet.IP.String())
		}
	}
	if len(ipaddrs) == 0 {
		return "", fmt.Errorf("no completions server found on localhost")
	}

	for _, url := range generateURLs(ipaddrs, []int{port}) {
		logger.Debug("Checking %s", url)
		if isServerRunning(url, logger) {
			logger.Info("Server found at %s", url)
			return url + "/v1", nil
		}
	}

	return "", fmt.Errorf("no completions server found on the local network")
}

// isServerRunning probes the models listing, which every compatible server exposes
func isServerRunning(url string, logger Logger) bool {
	client := &http.Client{Timeout: DiscoveryTimeout}

	url += "/v1" + ModelsEndpoint
	resp, err := client.Get(url)
	if err != nil {
		logger.Debug("Failed to connect to %s: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true
	}
	logger.Debug("Received unexpected status code %d from %s", resp.StatusCode, url)
	return false
}
