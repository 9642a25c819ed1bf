package p2p

// Metric family names for P2P reporting.
const (
	MetricP2PMessagesTotal = "p2p_messages_total" // {topic,direction,result}
	MetricP2PBytesTotal    = "p2p_bytes_total"    // {topic,direction}
)
