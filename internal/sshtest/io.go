package sshtest

import (
	"io"
	"testing"
)

// asyncRead continuously reads from the provided 'io.Reader', string-converting
// any read data and passing it through the returned channel.
//
// The returned channel is closed when the reader signals EOF (or any other
// read error, e.g. the channel being torn down mid-read).
func asyncRead(t *testing.T, r io.Reader) <-chan string {
	ch := make(chan string, 64)
	go func(ch chan<- string) {
		buf := make([]byte, 1024)
		defer close(ch)
		for {
			n, err := r.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			ch <- string(buf[:n])
		}
	}(ch)
	return ch
}
