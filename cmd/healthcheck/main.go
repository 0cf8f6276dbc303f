// Package main is a minimal readiness probe for container images without a
// shell. It GETs a URL and exits 0 on a 2xx response, 1 otherwise.
//
// Usage: healthcheck [url]
//
// The URL defaults to $INSTALLER_HEALTHCHECK_URL, then
// http://localhost:8080/readyz.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	url := os.Getenv("INSTALLER_HEALTHCHECK_URL")
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		url = defaultURL
	}
	os.Exit(probe(&http.Client{Timeout: 5 * time.Second}, url))
}

func probe(client *http.Client, url string) int {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0
	}
	fmt.Fprintf(os.Stderr, "healthcheck failed: %s returned %d\n", url, resp.StatusCode)
	return 1
}
