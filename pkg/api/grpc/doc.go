// Package grpc serves the standard gRPC health protocol for the monitor.
//
// The health monitor reports through SetServing, so clients such as
// grpc_health_probe see SERVING while at least one monitored connection is
// active (or none exist) and NOT_SERVING otherwise.
package grpc
