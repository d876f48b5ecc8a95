package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

func node() *snowflake.Node {
	idNodeOnce.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		idNode = n
	})
	return idNode
}

// UUIDint64 returns a time-ordered unique id.
func UUIDint64() int64 {
	return node().Generate().Int64()
}

// UUIDstr returns a time-ordered unique id in string form.
func UUIDstr() string {
	return node().Generate().String()
}

// Sha256HashWithSalt returns the hex sha256 of value+salt.
func Sha256HashWithSalt(value, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:])
}

// GetSecretSalt reads the instance salt from the environment, falling back
// to a fixed development value.
func GetSecretSalt() string {
	if s := os.Getenv("TILLGRID_SECRET_SALT"); s != "" {
		return s
	}
	return "tillgrid"
}

// HmacSHA256 signs payload with key and returns the hex digest.
func HmacSHA256(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HmacValid reports whether sig is a valid hex HMAC-SHA256 of payload under key.
func HmacValid(payload []byte, key, sig string) bool {
	want := HmacSHA256(payload, key)
	return hmac.Equal([]byte(want), []byte(sig))
}
