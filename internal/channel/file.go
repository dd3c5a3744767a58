package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/haldor-dev/portlink/internal/wire"
)

// ProgressFunc reports cumulative bytes transferred against the total
// advertised in the file's START metadata.
type ProgressFunc func(transferred, total uint64)

// fileEndMarker distinguishes a file-transfer END (handleEnd must not touch
// session state) from a session-teardown END (Disconnect's empty-payload
// frame, which does transition toward CLOSING).
var fileEndMarker = []byte{0x01}

// SendFile streams path over an ESTABLISHED channel: a START frame carries
// the file's name and size outside the sliding window, the body is pushed
// through ordinary Send calls chunked at MaxPayloadSize, and a final END
// frame, ACKed by the peer, closes out the transfer (spec.md §4.4.7).
func (c *Channel) SendFile(ctx context.Context, path string, progress ProgressFunc) error {
	if c.State() != StateEstablished {
		return ErrNotConnected
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	fileSeq := c.nextFileSeq()
	meta := wire.EncodeStartMetadata(wire.StartMetadata{
		Version:    c.cfg.Version,
		FileName:   info.Name(),
		FileSize:   uint64(info.Size()),
		ModifyTime: uint64(info.ModTime().Unix()),
		SessionID:  c.sessionIDSnapshot(),
	})
	if err := c.transport.Write(c.codec.Encode(wire.KindStart, fileSeq, meta)); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}

	var sent uint64
	buf := make([]byte, c.cfg.MaxPayloadSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := c.Send(ctx, buf[:n]); err != nil {
				return err
			}
			sent += uint64(n)
			if progress != nil {
				progress(sent, uint64(info.Size()))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrConfig, readErr)
		}
	}

	endSeq := fileSeq + 1
	c.fileMu.Lock()
	c.fileEndSeq = endSeq
	c.fileEndWaiting = true
	c.fileEndAcked = false
	c.fileMu.Unlock()

	if err := c.transport.Write(c.codec.Encode(wire.KindEnd, endSeq, fileEndMarker)); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}

	// Wait for the peer's END-ACK, as spec.md §4.4.7 requires, instead of
	// returning as soon as the END frame is written.
	timeout := time.Duration(c.cfg.TimeoutMaxMs) * time.Millisecond
	c.fileMu.Lock()
	ok := waitCondTimeout(c.fileCond, timeout, func() bool { return c.fileEndAcked || c.channelDone() })
	acked := c.fileEndAcked
	c.fileEndWaiting = false
	c.fileMu.Unlock()
	if !ok || !acked {
		return ErrTimeout
	}

	c.logger.Info("file_sent", "path", path, "bytes", sent)
	return nil
}

// ReceiveFile waits for a peer-initiated file START, then drains Receive
// until the advertised size has arrived, and then waits up to timeout for
// the peer's END. An END that arrives before the advertised size does not
// end the read loop; it keeps calling Receive until the size is reached or
// Receive fails.
func (c *Channel) ReceiveFile(ctx context.Context, destPath string, timeout time.Duration, progress ProgressFunc) error {
	c.fileMu.Lock()
	ok := waitCondTimeout(c.fileCond, timeout, func() bool {
		return c.pendingFileReady || c.channelDone()
	})
	if !ok || !c.pendingFileReady {
		c.fileMu.Unlock()
		return ErrTimeout
	}
	name := c.pendingFileName
	size := c.pendingFileSize
	c.pendingFileReady = false
	c.endReceived = false
	c.fileMu.Unlock()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer out.Close()

	var received uint64
	for received < size {
		payload, err := c.Receive(ctx, timeout)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		if _, err := out.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		received += uint64(len(payload))
		if progress != nil {
			progress(received, size)
		}
	}

	c.fileMu.Lock()
	waitCondTimeout(c.fileCond, timeout, func() bool { return c.endReceived || c.channelDone() })
	c.fileMu.Unlock()

	c.logger.Info("file_received", "name", name, "path", destPath, "bytes", received)
	return nil
}

// nextFileSeq allocates a sequence pair for a file's START/END frames from
// their own counter, kept separate from both the DATA window and the
// handshake/END sequence so a file transfer never perturbs either (spec.md
// §4.4.7 sends START/END outside the DATA sliding window).
func (c *Channel) nextFileSeq() uint16 {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()
	c.fileSeqCounter += 2
	return c.fileSeqCounter
}

func (c *Channel) sessionIDSnapshot() uint16 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}
