// Package pool
// Author: momentics <momentics@gmail.com>
//
// Size-classed byte buffer pooling for encoded frames. Buffers are handed out
// empty with a power-of-two capacity and come back once fully written.
package pool
