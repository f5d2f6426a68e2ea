// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up log/slog for jdss-e2e and bridges it to logr for
// the controller-runtime client used against the test cluster.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// DebugEnvKey enables development logging when set to "1" or "true".
const DebugEnvKey = "JDSS_E2E_DEBUG"

// Options configures the logger behavior.
type Options struct {
	// Development switches to a human-readable text handler.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Writer receives log records. Defaults to os.Stderr so stdout stays
	// reserved for command output and the final result line.
	Writer io.Writer
}

// OptionsFromEnv returns the default options, switched to development mode
// when DebugEnvKey is set.
func OptionsFromEnv() Options {
	opts := Options{Level: slog.LevelInfo}
	if v := os.Getenv(DebugEnvKey); v == "1" || v == "true" {
		opts.Development = true
		opts.Level = slog.LevelDebug
	}
	return opts
}

// Setup configures the default slog logger and the controller-runtime logger.
// It must be called early in main().
func Setup(opts Options) logr.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	}
	slog.SetDefault(slog.New(handler))

	// controller-runtime complains when its client logs before SetLogger.
	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  w,
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(logger)

	return logger
}
