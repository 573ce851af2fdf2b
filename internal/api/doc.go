// Package api exposes the HTTP control surface of the engine: run
// lifecycle commands and status reads per crawl target, plus health and
// metrics endpoints.
package api
