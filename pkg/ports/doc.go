// Package ports defines the interfaces and shared value types between the
// monitoring manager and its adapters: transports, metrics and event sinks.
package ports
