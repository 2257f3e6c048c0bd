package scd

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
)

func TestSerialno_PinCachePutIsIntercepted(t *testing.T) {
	d := newFakeDaemon(t)
	d.pinPut = "openpgp/" + testSerial + "/OPENPGP.1 " + wrappedPIN(t, "123456")
	s := d.newSupervisor()

	serial, err := s.NewClient().Serialno(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, testSerial, serial)

	buf, ok := s.Cache().Get("openpgp/" + testSerial + "/OPENPGP.1")
	require.True(t, ok)
	defer buf.Destroy()
	assert.Equal(t, "123456", string(buf.Bytes()))
}

func TestPKSign(t *testing.T) {
	digest := bytes.Repeat([]byte{0x5a}, 32)

	t.Run("NeedPIN", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()

		var req PINRequest
		prompter := PromptFunc(func(ctx context.Context, r PINRequest) error {
			req = r
			copy(r.Buf.Bytes(), "123456")
			return nil
		})
		sig, err := s.NewClient().PKSign(t.Context(), SignRequest{
			KeyID: "OPENPGP.1",
			Hash:  crypto.SHA256,
			Data:  digest,
			Desc:  "Sign the release",
		}, prompter)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("PKSIGN(--hash=sha256 OPENPGP.1):%x", digest), string(sig))

		assert.Equal(t, "Sign the release", req.Desc)
		assert.Equal(t, "||Please enter the PIN", req.Info)
		assert.Equal(t, PinpadNone, req.Pinpad)
		d.mu.Lock()
		assert.Equal(t, "123456", d.lastPIN)
		d.mu.Unlock()
	})

	t.Run("NoHashOption", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()

		sig, err := s.NewClient().PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.1", Data: digest}, staticPIN("1234"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(sig), "PKSIGN(OPENPGP.1):"))
	})

	t.Run("UseAuth", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor(WithUseAuth(true))

		sig, err := s.NewClient().PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.3", Hash: crypto.SHA256, Data: digest}, staticPIN("1234"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(sig), "PKAUTH(OPENPGP.3):"))
	})

	t.Run("Pinpad", func(t *testing.T) {
		d := newFakeDaemon(t)
		d.pinpad = true
		s := d.newSupervisor()

		var actions []PinpadAction
		prompter := PromptFunc(func(ctx context.Context, r PINRequest) error {
			assert.Nil(t, r.Buf)
			actions = append(actions, r.Pinpad)
			return nil
		})
		_, err := s.NewClient().PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.1", Data: digest}, prompter)
		require.NoError(t, err)
		assert.Equal(t, []PinpadAction{PinpadShow, PinpadDismiss}, actions)
	})

	t.Run("NoPrompter", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()

		_, err := s.NewClient().PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.1", Data: digest}, nil)
		require.ErrorIs(t, err, errcode.ErrNotSupported)
	})

	t.Run("PrompterCancels", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()
		c := s.NewClient()

		prompter := PromptFunc(func(ctx context.Context, r PINRequest) error {
			return errcode.ErrCanceled
		})
		_, err := c.PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.1", Data: digest}, prompter)
		require.ErrorIs(t, err, errcode.ErrCanceled)

		// The connection is still in sync afterwards.
		serial, err := c.Serialno(t.Context(), "")
		require.NoError(t, err)
		assert.Equal(t, testSerial, serial)
	})

	t.Run("TooLarge", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()

		_, err := s.NewClient().PKSign(t.Context(), SignRequest{KeyID: "OPENPGP.1", Data: make([]byte, 476)}, staticPIN("1234"))
		require.ErrorIs(t, err, errcode.ErrTooLarge)
		launches, _ := d.counts()
		assert.Zero(t, launches)
	})
}

func TestPKDecrypt_ChunksData(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()

	data := make([]byte, 1200)
	for i := range data {
		data[i] = byte(i)
	}
	plain, padding, err := s.NewClient().PKDecrypt(t.Context(), "OPENPGP.2", data, "", staticPIN("123456"))
	require.NoError(t, err)
	assert.Equal(t, data, plain)
	assert.Equal(t, 1, padding)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 3, d.setLines)
	assert.Equal(t, "123456", d.lastPIN)
}

func TestReadCertAndKey(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()
	c := s.NewClient()

	cert, err := c.ReadCert(t.Context(), "OPENPGP.3")
	require.NoError(t, err)
	assert.Equal(t, []byte("0\x82cert-der"), cert)

	key, err := c.ReadKey(t.Context(), "OPENPGP.1")
	require.NoError(t, err)
	assert.Equal(t, len(key), canonLen(key))

	_, err = c.ReadKey(t.Context(), "broken")
	require.ErrorIs(t, err, errcode.ErrInvalidValue)
}

func TestWriteKey(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()

	key := []byte("(11:private-key(3:rsa(1:n3:abc)))")
	require.NoError(t, s.NewClient().WriteKey(t.Context(), true, "OPENPGP.1", key, staticPIN("12345678")))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, key, d.keydata)
	assert.Equal(t, "WRITEKEY --force OPENPGP.1", d.lastCmd)
	assert.Equal(t, "12345678", d.lastPIN)
}

func TestGetAttr(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()
	c := s.NewClient()

	v, err := c.GetAttr(t.Context(), "DISP-NAME")
	require.NoError(t, err)
	assert.Equal(t, "Doe<<John +1", v)

	_, err = c.GetAttr(t.Context(), "LOGIN-DATA")
	require.ErrorIs(t, err, errcode.ErrNoData)

	_, err = c.GetAttr(t.Context(), "")
	require.ErrorIs(t, err, errcode.ErrInvalidValue)

	_, err = c.GetAttr(t.Context(), strings.Repeat("X", assuan.MaxLineLength))
	require.ErrorIs(t, err, errcode.ErrTooLarge)
}

func TestCardList(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()

	serials, err := s.NewClient().CardList(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{testSerial, "FF0100"}, serials)
}

func TestKeyInfo(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()
	c := s.NewClient()

	infos, err := c.KeyInfo(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, KeyInfo{
		Keygrip:  strings.Repeat("AB", 20),
		Serialno: testSerial,
		IDStr:    "OPENPGP.1",
	}, infos[0])
	assert.Equal(t, "OPENPGP.2", infos[1].IDStr)

	_, err = c.KeyInfo(t.Context(), "broken")
	require.ErrorIs(t, err, errcode.ErrMalformedResponse)
}

func TestParseKeyInfo(t *testing.T) {
	grip := strings.Repeat("0F", 20)
	tests := []struct {
		name string
		args string
		want KeyInfo
		ok   bool
	}{
		{name: "Valid", args: grip + " T 0011 PIV.9A", want: KeyInfo{Keygrip: grip, Serialno: "0011", IDStr: "PIV.9A"}, ok: true},
		{name: "ExtraSpaces", args: grip + "  T  0011  PIV.9A", want: KeyInfo{Keygrip: grip, Serialno: "0011", IDStr: "PIV.9A"}, ok: true},
		{name: "ShortGrip", args: grip[:38] + " T 0011 PIV.9A"},
		{name: "LongGrip", args: grip + "00 T 0011 PIV.9A"},
		{name: "MissingType", args: grip + " 0011 PIV.9A"},
		{name: "MissingSerial", args: grip + " T"},
		{name: "SerialOnly", args: grip + " T 0011"},
		{name: "MissingIDStr", args: grip + " T 0011 "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyInfo(tt.args)
			if !tt.ok {
				require.ErrorIs(t, err, errcode.ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLearn(t *testing.T) {
	d := newFakeDaemon(t)
	s := d.newSupervisor()

	var keypairs, certs, infos []string
	err := s.NewClient().Learn(t.Context(), LearnCallbacks{
		KeyPairInfo: func(args string) { keypairs = append(keypairs, args) },
		CertInfo:    func(args string) { certs = append(certs, args) },
		Info:        func(keyword, args string) { infos = append(infos, keyword+"="+args) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{strings.Repeat("AB", 20) + " OPENPGP.1"}, keypairs)
	assert.Equal(t, []string{"101 OPENPGP.3"}, certs)
	// EXTCAP carries no arguments and is dropped.
	assert.Equal(t, []string{"SERIALNO=" + testSerial, "DISP-NAME=Doe<<John"}, infos)
}

func TestInquiries(t *testing.T) {
	t.Run("Unknown", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()
		c := s.NewClient()

		err := c.withSession(t.Context(), func(conn *assuan.Client) error {
			_, err := c.transact(t.Context(), conn, "ASKODD", call{
				inquiry: &inquirer{conn: conn, logger: s.logger},
			})
			return err
		})
		require.ErrorIs(t, err, errcode.ErrUnknownInquiry)
	})

	t.Run("PinCacheGet", func(t *testing.T) {
		d := newFakeDaemon(t)
		s := d.newSupervisor()
		c := s.NewClient()

		err := c.withSession(t.Context(), func(conn *assuan.Client) error {
			_, err := c.transact(t.Context(), conn, "PROBECACHE", call{
				inquiry: &inquirer{conn: conn, logger: s.logger},
			})
			return err
		})
		require.NoError(t, err)
	})
}

func TestCommand_Passthrough(t *testing.T) {
	d := newFakeDaemon(t)
	d.pinPut = "openpgp/" + testSerial + "/OPENPGP.2 " + wrappedPIN(t, "2468")
	s := d.newSupervisor()
	up := &fakeUpstream{}

	require.NoError(t, s.NewClient().Command(t.Context(), "PASSTHRU", up, nil))

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, []string{"PROGRESS card 50"}, up.statuses)
	assert.Equal(t, []string{"reader ready"}, up.comments)
	assert.Equal(t, []string{"CUSTOM question", "KEYDATA"}, up.inquiries)
	assert.False(t, up.confidentialDuring["CUSTOM question"])
	assert.True(t, up.confidentialDuring["KEYDATA"])
	assert.False(t, up.confidential)
	assert.Equal(t, "answer|secret-key", string(up.data))
	assert.Equal(t, 1, s.Cache().Len())
}

func TestCommand_ConcurrentClients(t *testing.T) {
	d := newFakeDaemon(t)
	d.socketName = "/run/fake/S.scdaemon"
	s := d.newSupervisor()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := &fakeUpstream{}
			assert.NoError(t, s.NewClient().Command(t.Context(), "GETATTR DISP-NAME", up, nil))
			up.mu.Lock()
			defer up.mu.Unlock()
			assert.Equal(t, []string{"DISP-NAME Doe<<John+%2B1", "DISP-NAME second"}, up.statuses)
		}()
	}
	wg.Wait()
}

func TestCanonLen(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"(3:abc)", 7},
		{"(3:abc)trailing", 7},
		{"(10:public-key(3:rsa(1:n3:abc)))", 32},
		{"([4:text]3:abc)", 15},
		{"(4:a\x00)b)", 8},
		{"", 0},
		{"3:abc", 0},
		{"(3:abc", 0},
		{"(03:abc)", 0},
		{"(4:abc)", 0},
		{"(3abc)", 0},
		{"(3:abc))", 7},
		{"([[4:text]]3:abc)", 0},
		{"(]3:abc)", 0},
		{"(x)", 0},
		{"(99999999999999999999:a)", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonLen([]byte(tt.in)), "canonLen(%q)", tt.in)
	}
}

func TestParseHash(t *testing.T) {
	h, ok := ParseHash("sha256")
	require.True(t, ok)
	assert.Equal(t, crypto.SHA256, h)

	h, ok = ParseHash("rmd160")
	require.True(t, ok)
	assert.Equal(t, crypto.RIPEMD160, h)

	_, ok = ParseHash("sha3-256")
	assert.False(t, ok)
}
