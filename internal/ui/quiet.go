package ui

import "github.com/bamsammich/sitepull/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// The engine writes totals to the collector; presenters only read.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
