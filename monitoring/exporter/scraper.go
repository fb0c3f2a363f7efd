package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scraper fetches the expvar page of a sync server.
type Scraper struct {
	address string
	client  *http.Client
}

var errKeyNotFound = errors.New("key not found")

// NewScraper creates a scraper which gives up on the server after the timeout.
func NewScraper(address string, timeout time.Duration) *Scraper {
	return &Scraper{address: address, client: &http.Client{Timeout: timeout}}
}

// Scrape fetches the data from the server using HTTP GET then decodes the response.
func (s *Scraper) Scrape() (map[string]any, error) {
	resp, err := s.client.Get(s.address)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status %s", resp.Status)
	}

	var stats map[string]any
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

// parseNumeric finds a number by a dotted path, like "Hub.Actors".
func parseNumeric(stats map[string]any, path string) (float64, error) {
	var value any = stats
	for _, part := range strings.Split(path, ".") {
		subset, ok := value.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("%w: %s", errKeyNotFound, path)
		}
		if value, ok = subset[part]; !ok {
			return 0, fmt.Errorf("%w: %s", errKeyNotFound, path)
		}
	}

	floatval, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("value at %s is not a number: %v", path, value)
	}
	return floatval, nil
}
