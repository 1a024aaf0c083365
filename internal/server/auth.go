package server

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/charmbracelet/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/renato0307/tether/internal/logging"
)

// publicKeyHandler accepts keys listed in authorizedKeysPath. The file is
// read on every attempt so edits apply without a restart.
func publicKeyHandler(authorizedKeysPath string) ssh.PublicKeyHandler {
	return func(ctx ssh.Context, key ssh.PublicKey) bool {
		fingerprint := getKeyFingerprint(key)
		user := ctx.User()

		if !isKeyAuthorized(key, authorizedKeysPath) {
			logging.Logger.Warn("Unauthorized SSH key",
				"user", user,
				"remote_addr", ctx.RemoteAddr().String(),
				"fingerprint", fingerprint,
				"key_type", key.Type())
			return false
		}

		logging.Logger.Info("SSH key authenticated",
			"user", user,
			"fingerprint", fingerprint,
			"key_type", key.Type())
		return true
	}
}

// isKeyAuthorized checks if the client's public key is in authorized_keys
func isKeyAuthorized(clientKey gossh.PublicKey, authorizedKeysPath string) bool {
	file, err := os.Open(authorizedKeysPath)
	if err != nil {
		logging.Logger.Warn("Failed to open authorized_keys", "error", err, "path", authorizedKeysPath)
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		authorizedKey, comment, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			logging.Logger.Debug("Failed to parse authorized key line", "error", err)
			continue
		}

		if bytes.Equal(clientKey.Marshal(), authorizedKey.Marshal()) {
			logging.Logger.Debug("Matched authorized key", "comment", comment)
			return true
		}
	}

	if err := scanner.Err(); err != nil {
		logging.Logger.Error("Error reading authorized_keys", "error", err)
		return false
	}

	return false
}

// getKeyFingerprint returns the SHA256 fingerprint of an SSH public key
// for the audit trail
func getKeyFingerprint(key gossh.PublicKey) string {
	return gossh.FingerprintSHA256(key)
}
