package ports

import "time"

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) RecordStatus(string, Protocol, Status)   {}
func (NopMetrics) IncReconnectAttempts(string)             {}
func (NopMetrics) IncFallbacks(string)                     {}
func (NopMetrics) IncMessagesSent(string, string, int)     {}
func (NopMetrics) IncMessagesReceived(string, string, int) {}
func (NopMetrics) IncMessagesDropped(string, string)       {}
func (NopMetrics) SetQueueDepth(string, int)               {}
func (NopMetrics) ObserveLatency(string, time.Duration)    {}
func (NopMetrics) SetSubscribers(int)                      {}
func (NopMetrics) SetConnections(int, int)                 {}
func (NopMetrics) RemoveConnection(string)                 {}
