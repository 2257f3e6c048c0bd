package scd

import (
	"context"
	"crypto"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
)

// LearnCallbacks receive the status lines of a LEARN. Nil fields are
// skipped.
type LearnCallbacks struct {
	KeyPairInfo func(args string)
	CertInfo    func(args string)
	// Info receives any other status line that carries arguments.
	Info func(keyword, args string)
}

// Learn asks the daemon to read the whole card, forcing a re-read.
func (c *Client) Learn(ctx context.Context, cb LearnCallbacks) error {
	status := assuan.StatusFunc(func(keyword, args string) error {
		switch {
		case keyword == "CERTINFO":
			if cb.CertInfo != nil {
				cb.CertInfo(args)
			}
		case keyword == "KEYPAIRINFO":
			if cb.KeyPairInfo != nil {
				cb.KeyPairInfo(args)
			}
		case args != "":
			if cb.Info != nil {
				cb.Info(keyword, args)
			}
		}
		return nil
	})
	return c.withSession(ctx, func(conn *assuan.Client) error {
		_, err := c.transact(ctx, conn, "LEARN --force", call{status: status})
		return err
	})
}

// Serialno returns the hex serial number of the current card. A non-empty
// demand selects the card with that serial number.
func (c *Client) Serialno(ctx context.Context, demand string) (string, error) {
	cmd := "SERIALNO"
	if demand != "" {
		cmd += " --demand=" + demand
	}

	var serial string
	status := assuan.StatusFunc(func(keyword, args string) error {
		if keyword != "SERIALNO" {
			return nil
		}
		if serial != "" {
			return fmt.Errorf("%w: duplicate SERIALNO status", errcode.ErrConflict)
		}
		n := util.HexPrefixLen(args)
		if n == 0 || n%2 != 0 || (n < len(args) && args[n] != ' ') {
			return fmt.Errorf("%w: SERIALNO %q", errcode.ErrMalformedResponse, args)
		}
		serial = args[:n]
		return nil
	})

	err := c.withSession(ctx, func(conn *assuan.Client) error {
		_, err := c.transact(ctx, conn, cmd, call{status: status})
		return err
	})
	if err != nil {
		return "", err
	}
	return serial, nil
}

var hashOptions = map[crypto.Hash]string{
	crypto.MD5:       "--hash=md5",
	crypto.RIPEMD160: "--hash=rmd160",
	crypto.SHA1:      "--hash=sha1",
	crypto.SHA224:    "--hash=sha224",
	crypto.SHA256:    "--hash=sha256",
	crypto.SHA384:    "--hash=sha384",
	crypto.SHA512:    "--hash=sha512",
}

// ParseHash returns the digest algorithm for a --hash option value such as
// "sha256".
func ParseHash(name string) (crypto.Hash, bool) {
	for h, opt := range hashOptions {
		if opt == "--hash="+name {
			return h, true
		}
	}
	return 0, false
}

// SignRequest describes a signing or authentication operation.
type SignRequest struct {
	// KeyID names the card key, e.g. "OPENPGP.1" or a keygrip.
	KeyID string
	// Hash is the digest algorithm of Data; zero sends no hash option.
	Hash crypto.Hash
	// Data is the digest to sign. It must fit into a single SETDATA line.
	Data []byte
	// Desc is passed to the PIN prompter.
	Desc string
}

// PKSign signs req.Data with a card key. With WithUseAuth the daemon is
// asked for PKAUTH instead.
func (c *Client) PKSign(ctx context.Context, req SignRequest, prompter PinPrompter) ([]byte, error) {
	if len(req.Data)*2+50 > assuan.MaxLineLength {
		return nil, fmt.Errorf("%w: %d bytes to sign", errcode.ErrTooLarge, len(req.Data))
	}

	cmd := "PKSIGN " + req.KeyID
	if c.sup.useAuth {
		cmd = "PKAUTH " + req.KeyID
	} else if opt := hashOptions[req.Hash]; opt != "" {
		cmd = "PKSIGN " + opt + " " + req.KeyID
	}

	var sig []byte
	err := c.withSession(ctx, func(conn *assuan.Client) error {
		if _, err := c.transact(ctx, conn, "SETDATA "+util.HexEncodeUpper(req.Data), call{}); err != nil {
			return err
		}
		var err error
		sig, err = c.transact(ctx, conn, cmd, call{
			inquiry: &inquirer{conn: conn, prompter: prompter, desc: req.Desc, logger: c.sup.logger},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// setDataChunk is the number of bytes sent per SETDATA line.
const setDataChunk = (assuan.MaxLineLength - 50) / 2

// PKDecrypt deciphers data with a card key. The returned padding is the
// value of the daemon's PADDING status, or -1 if it sent none. The
// plaintext is returned raw, not as an S-expression.
func (c *Client) PKDecrypt(ctx context.Context, keyID string, data []byte, desc string, prompter PinPrompter) ([]byte, int, error) {
	padding := -1
	status := assuan.StatusFunc(func(keyword, args string) error {
		if keyword == "PADDING" {
			if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil {
				padding = n
			}
		}
		return nil
	})

	var plain []byte
	err := c.withSession(ctx, func(conn *assuan.Client) error {
		for off := 0; off < len(data); off += setDataChunk {
			end := min(off+setDataChunk, len(data))
			cmd := "SETDATA "
			if off > 0 {
				cmd += "--append "
			}
			if _, err := c.transact(ctx, conn, cmd+util.HexEncodeUpper(data[off:end]), call{}); err != nil {
				return err
			}
		}
		var err error
		plain, err = c.transact(ctx, conn, "PKDECRYPT "+keyID, call{
			status:  status,
			inquiry: &inquirer{conn: conn, prompter: prompter, desc: desc, logger: c.sup.logger},
		})
		return err
	})
	if err != nil {
		return nil, -1, err
	}
	return plain, padding, nil
}

// ReadCert returns the certificate stored on the card under id.
func (c *Client) ReadCert(ctx context.Context, id string) ([]byte, error) {
	var cert []byte
	err := c.withSession(ctx, func(conn *assuan.Client) error {
		var err error
		cert, err = c.transact(ctx, conn, "READCERT "+id, call{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// ReadKey returns the public key stored on the card under id as a canonical
// S-expression.
func (c *Client) ReadKey(ctx context.Context, id string) ([]byte, error) {
	var key []byte
	err := c.withSession(ctx, func(conn *assuan.Client) error {
		var err error
		key, err = c.transact(ctx, conn, "READKEY "+id, call{})
		if err != nil {
			return err
		}
		if canonLen(key) == 0 {
			key = nil
			return fmt.Errorf("%w: not a canonical S-expression", errcode.ErrInvalidValue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// WriteKey stores keyData on the card under keyRef. The daemon fetches the
// key through a KEYDATA inquiry.
func (c *Client) WriteKey(ctx context.Context, force bool, keyRef string, keyData []byte, prompter PinPrompter) error {
	cmd := "WRITEKEY "
	if force {
		cmd += "--force "
	}
	cmd += keyRef

	return c.withSession(ctx, func(conn *assuan.Client) error {
		conn.SetConfidential(true)
		defer conn.SetConfidential(false)
		_, err := c.transact(ctx, conn, cmd, call{
			inquiry: &inquirer{conn: conn, prompter: prompter, keydata: keyData, logger: c.sup.logger},
		})
		return err
	})
}

// GetAttr returns the first status line named name from a GETATTR, with its
// percent-plus escaping removed.
func (c *Client) GetAttr(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty attribute name", errcode.ErrInvalidValue)
	}
	cmd := "GETATTR " + name
	if len(cmd) > assuan.MaxLineLength-1 {
		return "", fmt.Errorf("%w: attribute name", errcode.ErrTooLarge)
	}

	var (
		value string
		found bool
	)
	status := assuan.StatusFunc(func(keyword, args string) error {
		if found || keyword != name {
			return nil
		}
		value = assuan.PercentPlusUnescape(args)
		found = true
		return nil
	})

	err := c.withSession(ctx, func(conn *assuan.Client) error {
		if _, err := c.transact(ctx, conn, cmd, call{status: status}); err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: attribute %s", errcode.ErrNoData, name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// CardList returns the serial numbers of all cards the daemon can see.
func (c *Client) CardList(ctx context.Context) ([]string, error) {
	var (
		serials  []string
		parseErr error
	)
	status := assuan.StatusFunc(func(keyword, args string) error {
		if keyword != "SERIALNO" {
			return nil
		}
		n := util.HexPrefixLen(args)
		if n == 0 || n%2 != 0 || n != len(args) {
			if parseErr == nil {
				parseErr = fmt.Errorf("%w: SERIALNO %q", errcode.ErrMalformedResponse, args)
			}
			return nil
		}
		serials = append(serials, args)
		return nil
	})

	err := c.withSession(ctx, func(conn *assuan.Client) error {
		if _, err := c.transact(ctx, conn, "GETINFO card_list", call{status: status}); err != nil {
			return err
		}
		return parseErr
	})
	if err != nil {
		return nil, err
	}
	return serials, nil
}

// KeyInfo describes one key known to the daemon.
type KeyInfo struct {
	Keygrip  string
	Serialno string
	IDStr    string
}

const keygripHexLen = 40

// parseKeyInfo parses the arguments of a KEYINFO status line:
//
//	<40-hex keygrip> T <hex serialno> <idstr>
func parseKeyInfo(args string) (KeyInfo, error) {
	bad := fmt.Errorf("%w: KEYINFO %q", errcode.ErrMalformedResponse, args)

	if util.HexPrefixLen(args) != keygripHexLen {
		return KeyInfo{}, bad
	}
	ki := KeyInfo{Keygrip: args[:keygripHexLen]}
	rest := strings.TrimLeft(args[keygripHexLen:], " ")

	if !strings.HasPrefix(rest, "T") {
		return KeyInfo{}, bad
	}
	rest = strings.TrimLeft(rest[1:], " ")

	n := util.HexPrefixLen(rest)
	if n == 0 || n == len(rest) {
		return KeyInfo{}, bad
	}
	ki.Serialno = rest[:n]
	rest = strings.TrimLeft(rest[n:], " ")
	if rest == "" {
		return KeyInfo{}, bad
	}
	ki.IDStr = rest
	return ki, nil
}

// KeyInfo returns information about the key with the given keygrip, or
// about every key on the available cards when keygrip is empty.
func (c *Client) KeyInfo(ctx context.Context, keygrip string) ([]KeyInfo, error) {
	cmd := "KEYINFO --list"
	if keygrip != "" {
		cmd = "KEYINFO " + keygrip
	}

	var (
		infos    []KeyInfo
		parseErr error
	)
	status := assuan.StatusFunc(func(keyword, args string) error {
		if keyword != "KEYINFO" {
			return nil
		}
		ki, err := parseKeyInfo(args)
		if err != nil {
			if parseErr == nil {
				parseErr = err
			}
			return nil
		}
		infos = append(infos, ki)
		return nil
	})

	err := c.withSession(ctx, func(conn *assuan.Client) error {
		if _, err := c.transact(ctx, conn, cmd, call{status: status}); err != nil {
			return err
		}
		return parseErr
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Command sends cmdline to the daemon verbatim and relays data, status
// lines, comments and unknown inquiries to up. PIN inquiries are still
// answered by prompter and PINCACHE_PUT never reaches up.
func (c *Client) Command(ctx context.Context, cmdline string, up Upstream, prompter PinPrompter) error {
	return c.withSession(ctx, func(conn *assuan.Client) error {
		_, err := c.transact(ctx, conn, cmdline, call{
			data: assuan.DataFunc(up.SendData),
			status: assuan.StatusFunc(func(keyword, args string) error {
				return up.WriteStatus(keyword, args)
			}),
			comment: assuan.CommentFunc(up.WriteComment),
			inquiry: &inquirer{conn: conn, prompter: prompter, upstream: up, logger: c.sup.logger},
		})
		return err
	})
}
