// Package types defines shared types used across the orchestration core:
// the error taxonomy and helpers for classifying failures.
package types
