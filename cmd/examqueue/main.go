// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command examqueue runs the exam call queue server and its maintenance
// tools.
//
// # Environment Variables
//
//   - PORT: HTTP port (default: 3000)
//   - EXAM_CODE: initial examiner code (default: 1234, logged as a warning)
//   - ADMIN_CODE: admin code; empty disables admin commands
//   - SNAPSHOT_BACKEND: file, badger, gcs or none (default: file)
//   - STATE_FILE: snapshot file or badger directory (default: state.json)
//   - GCS_BUCKET, GCS_PROJECT, GCS_OBJECT, GCS_KEY_PATH: gcs backend
//   - OTEL_EXPORTER_OTLP_ENDPOINT: enables tracing when set
//
// # Usage
//
//	# Build
//	go build -o examqueue ./cmd/examqueue
//
//	# Run with a config file
//	./examqueue serve --config examqueue.yaml
//
//	# Inspect the saved state
//	./examqueue snapshot show
package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	os.Exit(run())
}

// run keeps deferred cleanup ahead of os.Exit.
func run() int {
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
