// TLS key logging in the SSLKEYLOGFILE format, so tunneled traffic can be
// decrypted in Wireshark. The writer is process-wide and applies to every
// tunnel whose TLS parameters don't carry their own KeyLogWriter.
package transport

import (
	"io"
	"os"
	"sync"
)

var (
	keyLogMu     sync.RWMutex
	keyLogWriter io.Writer
	keyLogLoaded bool
)

// SetKeyLogWriter installs w as the process-wide TLS key log destination.
// Pass nil to disable logging.
func SetKeyLogWriter(w io.Writer) {
	keyLogMu.Lock()
	defer keyLogMu.Unlock()
	keyLogLoaded = true
	keyLogWriter = w
}

// SetKeyLogFile opens path for appending and logs TLS keys to it.
func SetKeyLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	SetKeyLogWriter(f)
	return nil
}

// defaultKeyLogWriter returns the configured writer, initializing it from
// the SSLKEYLOGFILE environment variable on first use.
func defaultKeyLogWriter() io.Writer {
	keyLogMu.RLock()
	if keyLogLoaded {
		w := keyLogWriter
		keyLogMu.RUnlock()
		return w
	}
	keyLogMu.RUnlock()

	keyLogMu.Lock()
	defer keyLogMu.Unlock()
	if keyLogLoaded {
		return keyLogWriter
	}
	keyLogLoaded = true
	if path := os.Getenv("SSLKEYLOGFILE"); path != "" {
		if f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600); err == nil {
			keyLogWriter = f
		}
	}
	return keyLogWriter
}
