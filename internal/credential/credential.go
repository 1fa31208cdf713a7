// Package credential generates the database superuser password and manages
// the files it travels through.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
)

const (
	DefaultLength = 24

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Generate returns a random alphanumeric password of length characters.
// The charset needs no escaping in URLs or shell arguments.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fault.New(fault.Internal, "credential.generate", "random source unavailable", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// WriteOneTimeFile creates path with owner-only permissions holding password
// as its sole content. An existing file is an error.
func WriteOneTimeFile(path, password string) error {
	const op = "credential.write_one_time"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsPermission(err) {
			return fault.New(fault.PermissionDenied, op, "cannot write the temporary password file", err)
		}
		return fault.New(fault.Internal, op, "cannot write the temporary password file", err)
	}
	if _, err := f.WriteString(password); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fault.New(fault.Internal, op, "cannot write the temporary password file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fault.New(fault.Internal, op, "cannot write the temporary password file", err)
	}
	return nil
}

// DeleteOneTimeFile overwrites path with random bytes of at least its
// current size, syncs, and removes it. A missing file is not an error.
func DeleteOneTimeFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat one-time file: %w", err)
	}
	size := st.Size()
	if size < DefaultLength {
		size = DefaultLength
	}
	var overwriteErr error
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		noise := make([]byte, size)
		if _, err := rand.Read(noise); err == nil {
			if _, err := f.WriteAt(noise, 0); err != nil {
				overwriteErr = err
			} else if err := f.Sync(); err != nil {
				overwriteErr = err
			}
		}
		_ = f.Close()
	} else {
		overwriteErr = err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Join(fmt.Errorf("remove one-time file: %w", err), overwriteErr)
	}
	if overwriteErr != nil {
		return fmt.Errorf("overwrite one-time file: %w", overwriteErr)
	}
	return nil
}

// OneTimePath returns a fresh, unpredictable file name inside dir.
func OneTimePath(dir, prefix string) (string, error) {
	suffix, err := Generate(12)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, prefix+suffix), nil
}

// Resolver turns a password reference back into the password.
type Resolver interface {
	Resolve(ref string) (string, error)
}

const (
	refFile   = "file:"
	refInline = "inline:"

	// DefaultSecretName is the file holding the superuser password in the config dir.
	DefaultSecretName = "superuser.secret"
)

// SecretStore keeps the superuser password in an owner-only file next to the
// runtime config. References look like "file:<name>".
type SecretStore struct {
	Dir  string
	Name string
}

func NewSecretStore(dir string) *SecretStore {
	return &SecretStore{Dir: dir, Name: DefaultSecretName}
}

func (s *SecretStore) name() string {
	if s.Name == "" {
		return DefaultSecretName
	}
	return s.Name
}

// Store writes password and returns its reference. The file is replaced atomically.
func (s *SecretStore) Store(password string) (string, error) {
	const op = "credential.store"
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fault.New(fault.PermissionDenied, op, "cannot create the config folder", err)
	}
	final := filepath.Join(s.Dir, s.name())
	tmp, err := os.CreateTemp(s.Dir, "."+s.name()+".*")
	if err != nil {
		return "", fault.New(fault.PermissionDenied, op, "cannot write the password file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(0o600); err != nil && !isChmodUnsupported(err) {
		_ = tmp.Close()
		cleanup()
		return "", fault.New(fault.Internal, op, "cannot restrict password file permissions", err)
	}
	if _, err := tmp.WriteString(password); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fault.New(fault.Internal, op, "cannot write the password file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fault.New(fault.Internal, op, "cannot write the password file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fault.New(fault.Internal, op, "cannot write the password file", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", fault.New(fault.Internal, op, "cannot write the password file", err)
	}
	return refFile + s.name(), nil
}

// Archive copies the stored password to "<name><suffix>" so a data folder
// moved aside keeps its password once Store replaces it. It returns the
// copy's path, or "" when nothing is stored.
func (s *SecretStore) Archive(suffix string) (string, error) {
	const op = "credential.archive"
	b, err := os.ReadFile(filepath.Join(s.Dir, s.name()))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		if os.IsPermission(err) {
			return "", fault.New(fault.PermissionDenied, op, "cannot read the password file", err)
		}
		return "", fault.New(fault.Internal, op, "cannot read the password file", err)
	}
	target := filepath.Join(s.Dir, s.name()+suffix)
	if err := os.WriteFile(target, b, 0o600); err != nil {
		if os.IsPermission(err) {
			return "", fault.New(fault.PermissionDenied, op, "cannot keep a copy of the password file", err)
		}
		return "", fault.New(fault.Internal, op, "cannot keep a copy of the password file", err)
	}
	return target, nil
}

// Resolve implements Resolver. "inline:" references are accepted for reading only.
func (s *SecretStore) Resolve(ref string) (string, error) {
	const op = "credential.resolve"
	switch {
	case strings.HasPrefix(ref, refFile):
		name := strings.TrimPrefix(ref, refFile)
		if name == "" || filepath.Base(name) != name {
			return "", fault.Newf(fault.ConfigUnsupported, op, "invalid password reference %q", ref)
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			if os.IsPermission(err) {
				return "", fault.New(fault.PermissionDenied, op, "cannot read the password file", err)
			}
			return "", fault.New(fault.Internal, op, "cannot read the password file", err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	case strings.HasPrefix(ref, refInline):
		return strings.TrimPrefix(ref, refInline), nil
	default:
		return "", fault.Newf(fault.ConfigUnsupported, op, "unknown password reference scheme")
	}
}

func isChmodUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
