package logging

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/syslog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/logger"
)

type WriterOutlet struct {
	formatter EntryFormatter
	writer    io.Writer
}

func NewWriterOutlet(formatter EntryFormatter, w io.Writer) WriterOutlet {
	return WriterOutlet{formatter, w}
}

func (h WriterOutlet) WriteEntry(entry logger.Entry) error {
	line, err := h.formatter.Format(&entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = h.writer.Write(line)
	return err
}

// TCPOutlet ships formatted entries to a remote collector. Entries written
// while the connection is down or congested are dropped.
type TCPOutlet struct {
	formatter EntryFormatter
	connect   func(ctx context.Context) (net.Conn, error)
	entryChan chan *bytes.Buffer
	closeOnce sync.Once
}

func NewTCPOutlet(formatter EntryFormatter, network, address string, tlsConfig *tls.Config, retryInterval time.Duration) *TCPOutlet {

	connect := func(ctx context.Context) (conn net.Conn, err error) {
		var dialer net.Dialer
		if tlsConfig != nil {
			td := tls.Dialer{NetDialer: &dialer, Config: tlsConfig}
			return td.DialContext(ctx, network, address)
		}
		return dialer.DialContext(ctx, network, address)
	}

	o := &TCPOutlet{
		formatter: formatter,
		connect:   connect,
		entryChan: make(chan *bytes.Buffer, 1), // one message in flight while the previous is being copied
	}

	go o.outLoop(retryInterval)

	return o
}

func (h *TCPOutlet) Close() {
	h.closeOnce.Do(func() { close(h.entryChan) })
}

func (h *TCPOutlet) outLoop(retryInterval time.Duration) {

	var retry time.Time
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for msg := range h.entryChan {
		var err error
		for conn == nil {
			time.Sleep(time.Until(retry))
			ctx, cancel := context.WithTimeout(context.Background(), retryInterval)
			conn, err = h.connect(ctx)
			cancel()
			if err != nil {
				retry = time.Now().Add(retryInterval)
				conn = nil
			}
		}
		err = conn.SetWriteDeadline(time.Now().Add(retryInterval))
		if err == nil {
			_, err = io.Copy(conn, msg)
		}
		if err != nil {
			retry = time.Now().Add(retryInterval)
			conn.Close()
			conn = nil
		}
	}
}

func (h *TCPOutlet) WriteEntry(e logger.Entry) error {

	ebytes, err := h.formatter.Format(&e)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	buf.Write(ebytes)
	buf.WriteString("\n")

	select {
	case h.entryChan <- buf:
		return nil
	default:
		return errors.New("connection broken or not fast enough")
	}
}

type SyslogOutlet struct {
	Formatter          EntryFormatter
	RetryInterval      time.Duration
	Facility           syslog.Priority
	writer             *syslog.Writer
	lastConnectAttempt time.Time
}

func (o *SyslogOutlet) WriteEntry(entry logger.Entry) error {

	line, err := o.Formatter.Format(&entry)
	if err != nil {
		return err
	}

	s := string(line)

	if o.writer == nil {
		now := time.Now()
		if now.Sub(o.lastConnectAttempt) < o.RetryInterval {
			return nil // not an error toward logger
		}
		o.writer, err = syslog.New(o.Facility, "procmesh")
		o.lastConnectAttempt = time.Now()
		if err != nil {
			o.writer = nil
			return err
		}
	}

	switch entry.Level {
	case logger.Debug:
		return o.writer.Debug(s)
	case logger.Info:
		return o.writer.Info(s)
	case logger.Warn:
		return o.writer.Warning(s)
	default:
		return o.writer.Err(s)
	}
}
