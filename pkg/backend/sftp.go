package backend

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Remote configures an SSH/SFTP storage backend. Exactly one of KeyPEM or
// KeyFile must be set; rclone wants the key inline with literal "\n"
// separators, so a key file is read and flattened at render time.
type Remote struct {
	Host        string
	User        string
	Port        int
	KeyPEM      string
	KeyFile     string
	KeyUseAgent bool
}

func (r *Remote) Type() string { return "sftp" }

func (r *Remote) Values() (map[string]string, error) {
	if (r.KeyPEM == "") == (r.KeyFile == "") {
		return nil, errors.New("must provide exactly one of KeyPEM or KeyFile")
	}
	keyPEM := r.KeyPEM
	if r.KeyFile != "" {
		data, err := os.ReadFile(r.KeyFile)
		if err != nil {
			return nil, err
		}
		keyPEM = string(data)
	}
	keyPEM = strings.ReplaceAll(keyPEM, "\n", "\\n")

	return map[string]string{
		"host":          r.Host,
		"user":          r.User,
		"port":          strconv.Itoa(r.Port),
		"key_pem":       keyPEM,
		"key_use_agent": strconv.FormatBool(r.KeyUseAgent),
	}, nil
}
