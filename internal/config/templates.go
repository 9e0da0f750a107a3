package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindReceiver = "receiver"
	KindSender   = "sender"
)

const receiverHeader = `# mqlink receiver
# read_timeout "0s" leaves reads unbounded; status_addr "" disables the HTTP status API.
`

const senderHeader = `# mqlink sender
# max_connect_attempts 0 retries until the send context ends.
`

// Template renders the defaults for kind as TOML.
func Template(kind string) (string, error) {
	var (
		header string
		body   any
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindReceiver:
		header, body = receiverHeader, DefaultReceiver().File()
	case KindSender:
		header, body = senderHeader, DefaultSender().File()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(body); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindReceiver:
		_, err := LoadReceiver(path)
		return err
	case KindSender:
		_, err := LoadSender(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
