// Package main provides the specter command line.
//
// Usage:
//
//	specter crawl https://example.com/docs
//	specter crawl --config crawl.yaml
package main

func main() {
	Execute()
}
