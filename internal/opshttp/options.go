package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. the panic counter

	// Version, when set, is served as JSON at /-/version.
	Version any
}
