// Package services assembles the process-wide service instances.
//
// Nothing here is a hidden global: every service is constructed explicitly
// at process start and handed to consumers by reference, with a test-only
// Reset instead of shared mutable state.
package services
