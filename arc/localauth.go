package arc

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"io/ioutil"
	"os/user"
	"runtime"
	"strings"

	"github.com/jameskeane/bcrypt"
	passlib "gopkg.in/hlandau/passlib.v1"
)

// AuthContext injects the filesystem and user-database lookups local
// password verification needs, so tests can stub both without touching
// the real system shadow file or passwd database.
type AuthContext struct {
	ReadFile func(string) ([]byte, error)
	Lookup   func(string) (*user.User, error)
}

// NewAuthContext builds an AuthContext backed by the real filesystem and
// os/user.
func NewAuthContext() *AuthContext {
	return &AuthContext{ReadFile: ioutil.ReadFile, Lookup: user.Lookup}
}

func (ctx *AuthContext) readFile(path string) ([]byte, error) {
	if ctx.ReadFile == nil {
		ctx.ReadFile = ioutil.ReadFile
	}
	return ctx.ReadFile(path)
}

func (ctx *AuthContext) lookup(username string) (*user.User, error) {
	if ctx.Lookup == nil {
		ctx.Lookup = user.Lookup
	}
	return ctx.Lookup(username)
}

// VerifySystemPassword checks password against the platform's shadow
// database (/etc/shadow on Linux, /etc/master.passwd on FreeBSD) via
// passlib, the way arcd authenticates identities that also have a real
// system account.
func VerifySystemPassword(ctx *AuthContext, username, password string) (bool, error) {
	passlib.UseDefaults(passlib.Defaults20180601)

	pwFileName := "/etc/shadow"
	if runtime.GOOS == "freebsd" {
		pwFileName = "/etc/master.passwd"
	}

	data, err := ctx.readFile(pwFileName)
	if err != nil {
		return false, err
	}

	var hash string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 2 && fields[0] == username {
			hash = fields[1]
			break
		}
	}
	if hash == "" {
		return false, errors.New("arc: no shadow entry for user")
	}
	if err := passlib.VerifyNoUpgrade(password, hash); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyLocalPasswordFile checks username/password against a local
// `username:salt:bcryptHash` CSV file (arcd's own credential store,
// independent of the system passwd database). A constant-shape dummy
// record is compared against on a miss so a nonexistent username takes
// the same code path as a wrong password.
func VerifyLocalPasswordFile(ctx *AuthContext, username, password, path string) (bool, error) {
	data, err := ctx.readFile(path)
	if err != nil {
		return false, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = 3

	target := username
	for {
		record, err := r.Read()
		if err == io.EOF {
			record = []string{
				"$nosuchuser$",
				"$2a$12$l0coBlRDNEJeQVl6GdEPbU",
				"$2a$12$l0coBlRDNEJeQVl6GdEPbUC/xmuOANvqgmrMVum6S4i.EXPgnTXy6",
			}
			target = "$nosuchuser$"
		} else if err != nil {
			return false, err
		}

		if target != record[0] {
			if err == io.EOF {
				break
			}
			continue
		}

		computed, hashErr := bcrypt.Hash(password, record[1])
		if hashErr != nil {
			return false, hashErr
		}
		ok := computed == record[2] && username == target && target != "$nosuchuser$"
		return ok, nil
	}

	if _, err := ctx.lookup(username); err != nil {
		return false, errors.New("arc: no such system user")
	}
	return false, nil
}

// PlainAuthFunc matches the shape arcnet.NewServerNegotiator expects for
// SASL PLAIN: (authorization identity, username, password) -> error.
type PlainAuthFunc func(identity, username, password string) error

// NewPlainAuthenticator builds a PlainAuthFunc backed by either the system
// shadow database or arcd's own password file, depending on useSystem.
func NewPlainAuthenticator(ctx *AuthContext, passwdFile string, useSystem bool) PlainAuthFunc {
	if ctx == nil {
		ctx = NewAuthContext()
	}
	return func(identity, username, password string) error {
		var ok bool
		var err error
		if useSystem {
			ok, err = VerifySystemPassword(ctx, username, password)
		} else {
			ok, err = VerifyLocalPasswordFile(ctx, username, password, passwdFile)
		}
		if err != nil {
			return NewError(KindAuth, "verifying password", err)
		}
		if !ok {
			return NewError(KindAuth, "invalid credentials", nil)
		}
		return nil
	}
}
