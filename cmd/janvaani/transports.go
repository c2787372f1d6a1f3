package main

import (
	"github.com/harunnryd/janvaani/pkg/transports"
	"github.com/harunnryd/janvaani/pkg/transports/gemini"
	"github.com/harunnryd/janvaani/pkg/transports/genai"
	"github.com/harunnryd/janvaani/pkg/transports/mock"
)

func registerTransports(r *transports.Registry) {
	r.Register("gemini", func(settings map[string]any) (transports.Dialer, error) {
		return gemini.FromSettings(settings)
	})
	r.Register("genai", func(settings map[string]any) (transports.Dialer, error) {
		return genai.FromSettings(settings)
	})
	r.Register("mock", func(settings map[string]any) (transports.Dialer, error) {
		return mock.FromSettings(settings)
	})
}
