package supervisor

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/karlmutch/circbuf"
	"github.com/karlmutch/vtclean"
)

// pumpStdout scans stdout rune-by-rune (not line-by-line) so a readiness
// regex can match as soon as a prompt appears mid-line, exactly as the
// teacher's procOutput/RunScript pairing does. Completed lines are also
// published on p.lines for the Server Detector to scan.
func pumpStdout(wg *sync.WaitGroup, r io.Reader, outC chan []byte, p *Process) {
	defer wg.Done()

	var lineBuf bytes.Buffer
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanRunes)
	for s.Scan() {
		b := s.Bytes()
		outC <- append([]byte(nil), b...)

		if bytes.Equal(b, []byte{'\n'}) {
			line := lineBuf.String()
			lineBuf.Reset()
			select {
			case p.lines <- line:
			case <-p.done:
			default:
				// detector not keeping up; drop rather than block the pump
			}
			continue
		}
		lineBuf.Write(b)
	}
}

// pumpStderr scans stderr line-by-line; stderr is not scanned for
// readiness, only captured for the log.
func pumpStderr(wg *sync.WaitGroup, r io.Reader, errC chan string) {
	defer wg.Done()

	s := bufio.NewScanner(r)
	s.Split(bufio.ScanLines)
	for s.Scan() {
		errC <- s.Text()
	}
}

// pumpOutput is the single writer goroutine: it owns the log file and the
// ring buffer, batching stdout runes into whole lines on a 2-second ticker
// to avoid a syscall per rune, mirroring the teacher's procOutput.
func pumpOutput(stopWriter chan struct{}, f *os.File, ring *circbuf.Buffer, outC chan []byte, errC chan string) {
	outLine := []byte{}

	flush := func() {
		if len(outLine) == 0 {
			return
		}
		cleaned := []byte(vtclean.Clean(string(outLine), false))
		f.Write(cleaned)
		ring.Write(cleaned)
		outLine = outLine[:0]
	}
	defer func() {
		flush()
		f.Close()
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			flush()
		case <-stopWriter:
			return
		case r, ok := <-outC:
			if !ok {
				return
			}
			if len(r) != 0 {
				outLine = append(outLine, r...)
				if !bytes.Equal(r, []byte{'\n'}) {
					continue
				}
			}
			flush()
		case line, ok := <-errC:
			if !ok {
				continue
			}
			if line != "" {
				b := []byte(vtclean.Clean(line, false) + "\n")
				f.Write(b)
				ring.Write(b)
			}
		}
	}
}
