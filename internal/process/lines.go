package process

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// lineBufferSize bounds how many unread lines a process may queue before the
// reader stops consuming its output.
const lineBufferSize = 256

// ForwardLines reads r line by line and sends each non-empty line to out until
// r returns an error. Lines have any trailing "\r\n" removed. Lines of any
// length are accepted; worker responses carrying encoded masks can be megabytes.
func ForwardLines(r io.Reader, stream Stream, out chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()

	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		text, err := reader.ReadString('\n')
		if text = strings.TrimRight(text, "\r\n"); text != "" {
			out <- Line{Stream: stream, Text: text}
		}
		if err != nil {
			return
		}
	}
}

// NewLineChannel returns a channel sized for ForwardLines.
func NewLineChannel() chan Line {
	return make(chan Line, lineBufferSize)
}
