package pool

// Default is the process-wide pool shared by every connection.
var Default = NewBytePool()
