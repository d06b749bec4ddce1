// Package adapters holds the platform adapters the recorder can watch.
package adapters

import (
	"log/slog"
	"net/http"

	"live-recorder/internal/recorder"
)

// Table builds the adapter table for every supported platform.
func Table(client *http.Client, account Account, log *slog.Logger) recorder.Adapters {
	return recorder.Adapters{
		PlatformTwitcasting: NewTwitcasting(client, account, log.With(slog.String("platform", PlatformTwitcasting))),
		PlatformHLS:         NewHLS(client),
		PlatformAcfun:       NewAcfun(client, log.With(slog.String("platform", PlatformAcfun))),
	}
}
