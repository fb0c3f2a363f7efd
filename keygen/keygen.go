package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinode/tablesync/transport"
)

const (
	// Length of the xtea key used to obfuscate session ids.
	SESSION_KEY_LENGTH = 16
	// Random bytes in a generated auth token.
	AUTH_TOKEN_LENGTH = 24
)

// Generate secrets for the server config:
//
//	session_key: 16 random bytes, standard base64 as expected by JSON []byte
//	auth_token:  24 random bytes, URL-safe base64 without padding
func main() {
	var token = flag.Bool("token", false, "Generate an auth_token instead of a session_key")
	var workerID = flag.Uint("worker", 1, "Worker id to validate the session key with")
	var key = flag.String("validate", "", "session_key to validate")

	flag.Parse()

	var code int
	if *key != "" {
		code = validate(os.Stdout, *key, *workerID)
	} else {
		code = generate(os.Stdout, *token)
	}
	os.Exit(code)
}

func generate(out io.Writer, token bool) int {
	size, encoding := SESSION_KEY_LENGTH, base64.StdEncoding
	if token {
		size, encoding = AUTH_TOKEN_LENGTH, base64.RawURLEncoding
	}

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		fmt.Fprintln(out, "failed to read random bytes:", err)
		return 1
	}

	if token {
		fmt.Fprintf(out, "\"auth_token\": %q\n", encoding.EncodeToString(data))
	} else {
		fmt.Fprintf(out, "\"session_key\": %q\n", encoding.EncodeToString(data))
	}
	return 0
}

func validate(out io.Writer, key string, workerID uint) int {
	data, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		fmt.Fprintln(out, "INVALID: failed to decode base64", err)
		return 1
	}
	if len(data) != SESSION_KEY_LENGTH {
		fmt.Fprintf(out, "INVALID: key must be %d bytes long, got %d\n", SESSION_KEY_LENGTH, len(data))
		return 1
	}

	ids, err := transport.NewSessionIDs(workerID, data)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	fmt.Fprintf(out, "Valid, sample session id for worker %d: %s\n", workerID, ids.Next())
	return 0
}
