package arc

import (
	"errors"
	"os/user"
	"testing"

	"github.com/jameskeane/bcrypt"
	"github.com/stretchr/testify/require"
)

func stubContext(t *testing.T, files map[string][]byte, knownUsers map[string]bool) *AuthContext {
	t.Helper()
	return &AuthContext{
		ReadFile: func(path string) ([]byte, error) {
			if b, ok := files[path]; ok {
				return b, nil
			}
			return nil, errors.New("no such file")
		},
		Lookup: func(name string) (*user.User, error) {
			if knownUsers[name] {
				return &user.User{Username: name}, nil
			}
			return nil, errors.New("unknown user")
		},
	}
}

func TestVerifyLocalPasswordFileAcceptsMatchingHash(t *testing.T) {
	salt, err := bcrypt.Salt(10)
	require.NoError(t, err)
	hash, err := bcrypt.Hash("s3kr1t", salt)
	require.NoError(t, err)

	contents := []byte("alice:" + salt + ":" + hash + "\n")
	ctx := stubContext(t, map[string][]byte{"/etc/arc.passwd": contents}, map[string]bool{"alice": true})

	ok, err := VerifyLocalPasswordFile(ctx, "alice", "s3kr1t", "/etc/arc.passwd")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyLocalPasswordFileRejectsWrongPassword(t *testing.T) {
	salt, err := bcrypt.Salt(10)
	require.NoError(t, err)
	hash, err := bcrypt.Hash("s3kr1t", salt)
	require.NoError(t, err)

	contents := []byte("alice:" + salt + ":" + hash + "\n")
	ctx := stubContext(t, map[string][]byte{"/etc/arc.passwd": contents}, map[string]bool{"alice": true})

	ok, err := VerifyLocalPasswordFile(ctx, "alice", "wrong", "/etc/arc.passwd")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyLocalPasswordFileRejectsUnknownUser(t *testing.T) {
	ctx := stubContext(t, map[string][]byte{"/etc/arc.passwd": []byte("alice:x:y\n")}, map[string]bool{"alice": true})

	ok, err := VerifyLocalPasswordFile(ctx, "mallory", "whatever", "/etc/arc.passwd")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewPlainAuthenticatorWrapsLocalFile(t *testing.T) {
	salt, err := bcrypt.Salt(10)
	require.NoError(t, err)
	hash, err := bcrypt.Hash("s3kr1t", salt)
	require.NoError(t, err)

	contents := []byte("alice:" + salt + ":" + hash + "\n")
	ctx := stubContext(t, map[string][]byte{"/etc/arc.passwd": contents}, map[string]bool{"alice": true})

	authFn := NewPlainAuthenticator(ctx, "/etc/arc.passwd", false)
	require.NoError(t, authFn("", "alice", "s3kr1t"))

	err = authFn("", "alice", "wrong")
	require.Error(t, err)
	require.True(t, IsKind(err, KindAuth))
}
