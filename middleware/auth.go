package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"
)

// Metadata keys of the signed session handshake.
const (
	DatabaseHeader    = "x-sync-database"
	RequestTimeHeader = "x-sync-request-time"
	SignatureHeader   = "x-sync-signature"
)

type contextKey string

// PeerPubkeyContextKey carries the hex-encoded compressed public key
// recovered from the handshake signature.
const PeerPubkeyContextKey = contextKey("peer_pubkey")

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var SignedMsgPrefix = []byte("crsqlitesync:")

// SessionToken is the string a peer signs to open a session.
func SessionToken(database string, requestTime int64) string {
	return fmt.Sprintf("%v-%v", database, requestTime)
}

// Authenticate verifies the handshake carried in the stream's inbound
// metadata and returns the database name plus a context annotated with
// the recovered peer public key. The recovered key IS the caller's
// identity: tampering with a header changes which key comes out rather
// than failing outright, so authorization decisions belong to whoever
// consumes PeerPubkeyContextKey.
func Authenticate(ctx context.Context) (context.Context, string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, "", fmt.Errorf("could not read request metadata")
	}
	database := first(md, DatabaseHeader)
	requestTime := first(md, RequestTimeHeader)
	signature := first(md, SignatureHeader)
	if database == "" || requestTime == "" || signature == "" {
		return nil, "", fmt.Errorf("incomplete session handshake")
	}

	var unix int64
	if _, err := fmt.Sscanf(requestTime, "%d", &unix); err != nil {
		return nil, "", fmt.Errorf("malformed request time: %v", err)
	}

	pubkey, err := VerifyMessage([]byte(SessionToken(database, unix)), signature)
	if err != nil {
		return nil, "", err
	}

	pubkeyBytes := pubkey.SerializeCompressed()
	newContext := context.WithValue(ctx, PeerPubkeyContextKey, hex.EncodeToString(pubkeyBytes))
	return newContext, database, nil
}

func first(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// SignMessage signs msg with key, producing a zbase32-encoded compact
// signature the peer can recover the public key from.
func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signature)
	return sig, nil
}

// VerifyMessage recovers the public key from a compact signature over
// message.
func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
