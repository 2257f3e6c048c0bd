package agent

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
	"github.com/jmcleod/ironcard/scd"
)

const (
	// maxSetData bounds the data collected by SETDATA.
	maxSetData = 4096
	// maxKeyData bounds a KEYDATA inquiry reply.
	maxKeyData = 8096
)

// handler holds the state of one agent connection.
type handler struct {
	srv    *Server
	client *scd.Client
	logger *slog.Logger
	data   []byte
}

func (h *handler) server() *assuan.Server {
	srv := assuan.NewServer(
		assuan.WithGreeting("ironcard "+h.srv.version+" ready"),
		assuan.WithResetHook(func(*assuan.ServerConn) { h.clearData() }),
		assuan.WithServerLogger(h.logger),
	)
	srv.Handle("SCD", h.scdCommand)
	srv.Handle("LEARN", h.learn)
	srv.Handle("SERIALNO", h.serialno)
	srv.Handle("READCERT", h.readCert)
	srv.Handle("READKEY", h.readKey)
	srv.Handle("SETDATA", h.setData)
	srv.Handle("PKSIGN", h.pkSign)
	srv.Handle("PKDECRYPT", h.pkDecrypt)
	srv.Handle("WRITEKEY", h.writeKey)
	srv.Handle("GETATTR", h.getAttr)
	srv.Handle("KEYINFO", h.keyInfo)
	srv.Handle("CARDLIST", h.cardList)
	srv.Handle("KILLSCD", h.killScd)
	srv.Handle("GETINFO", h.getInfo)
	return srv
}

func (h *handler) clearData() {
	util.WipeBytes(h.data)
	h.data = nil
}

func requireArg(args, what string) (string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", fmt.Errorf("%w: %s required", errcode.ErrInvalidValue, what)
	}
	return args, nil
}

// scdCommand sends the rest of the line to the card daemon as is.
func (h *handler) scdCommand(ctx context.Context, conn *assuan.ServerConn, args string) error {
	line, err := requireArg(args, "command")
	if err != nil {
		return err
	}
	return h.client.Command(ctx, line, conn, upstreamPrompter{conn: conn})
}

func (h *handler) learn(ctx context.Context, conn *assuan.ServerConn, args string) error {
	var werr error
	emit := func(keyword, args string) {
		if werr == nil {
			werr = conn.WriteStatus(keyword, args)
		}
	}
	err := h.client.Learn(ctx, scd.LearnCallbacks{
		KeyPairInfo: func(args string) { emit("KEYPAIRINFO", args) },
		CertInfo:    func(args string) { emit("CERTINFO", args) },
		Info:        emit,
	})
	if err != nil {
		return err
	}
	return werr
}

func (h *handler) serialno(ctx context.Context, conn *assuan.ServerConn, args string) error {
	demand := strings.TrimPrefix(strings.TrimSpace(args), "--demand=")
	serial, err := h.client.Serialno(ctx, demand)
	if err != nil {
		return err
	}
	return conn.WriteStatus("SERIALNO", serial)
}

func (h *handler) readCert(ctx context.Context, conn *assuan.ServerConn, args string) error {
	id, err := requireArg(args, "certificate id")
	if err != nil {
		return err
	}
	cert, err := h.client.ReadCert(ctx, id)
	if err != nil {
		return err
	}
	return conn.SendData(cert)
}

func (h *handler) readKey(ctx context.Context, conn *assuan.ServerConn, args string) error {
	id, err := requireArg(args, "key id")
	if err != nil {
		return err
	}
	key, err := h.client.ReadKey(ctx, id)
	if err != nil {
		return err
	}
	return conn.SendData(key)
}

// setData collects the input of the next PKSIGN or PKDECRYPT:
//
//	SETDATA [--append] <hex>
func (h *handler) setData(ctx context.Context, conn *assuan.ServerConn, args string) error {
	hexData, appending := strings.CutPrefix(strings.TrimSpace(args), "--append ")
	raw, err := util.HexDecode(strings.TrimSpace(hexData))
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("%w: SETDATA expects hex data", errcode.ErrInvalidValue)
	}
	if !appending {
		h.clearData()
	}
	if len(h.data)+len(raw) > maxSetData {
		h.clearData()
		return fmt.Errorf("%w: data exceeds %d bytes", errcode.ErrTooLarge, maxSetData)
	}
	h.data = append(h.data, raw...)
	return nil
}

// pkSign signs the SETDATA input:
//
//	PKSIGN [--hash=<algo>] <keyid>
func (h *handler) pkSign(ctx context.Context, conn *assuan.ServerConn, args string) error {
	defer h.clearData()
	if len(h.data) == 0 {
		return fmt.Errorf("%w: no SETDATA", errcode.ErrNoData)
	}

	var (
		hash  crypto.Hash
		keyID string
	)
	for _, f := range strings.Fields(args) {
		if name, ok := strings.CutPrefix(f, "--hash="); ok {
			alg, ok := scd.ParseHash(name)
			if !ok {
				return fmt.Errorf("%w: unknown hash %s", errcode.ErrNotSupported, name)
			}
			hash = alg
			continue
		}
		keyID = f
	}
	if keyID == "" {
		return fmt.Errorf("%w: key id required", errcode.ErrInvalidValue)
	}

	sig, err := h.client.PKSign(ctx, scd.SignRequest{KeyID: keyID, Hash: hash, Data: h.data}, upstreamPrompter{conn: conn})
	if err != nil {
		return err
	}
	return conn.SendData(sig)
}

func (h *handler) pkDecrypt(ctx context.Context, conn *assuan.ServerConn, args string) error {
	defer h.clearData()
	keyID, err := requireArg(args, "key id")
	if err != nil {
		return err
	}
	if len(h.data) == 0 {
		return fmt.Errorf("%w: no SETDATA", errcode.ErrNoData)
	}

	plain, padding, err := h.client.PKDecrypt(ctx, keyID, h.data, "", upstreamPrompter{conn: conn})
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if padding >= 0 {
		if err := conn.WriteStatus("PADDING", strconv.Itoa(padding)); err != nil {
			return err
		}
	}
	return conn.SendData(plain)
}

// writeKey stores a key on the card; the key is requested from the client
// with a KEYDATA inquiry:
//
//	WRITEKEY [--force] <keyref>
func (h *handler) writeKey(ctx context.Context, conn *assuan.ServerConn, args string) error {
	ref, force := strings.CutPrefix(strings.TrimSpace(args), "--force ")
	ref, err := requireArg(ref, "key reference")
	if err != nil {
		return err
	}

	conn.SetConfidential(true)
	key, err := conn.Inquire(ctx, "KEYDATA", maxKeyData)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)
	return h.client.WriteKey(ctx, force, ref, key, upstreamPrompter{conn: conn})
}

func (h *handler) getAttr(ctx context.Context, conn *assuan.ServerConn, args string) error {
	name, err := requireArg(args, "attribute name")
	if err != nil {
		return err
	}
	value, err := h.client.GetAttr(ctx, name)
	if err != nil {
		return err
	}
	return conn.WriteStatus(name, assuan.PercentPlusEscape(value))
}

func (h *handler) keyInfo(ctx context.Context, conn *assuan.ServerConn, args string) error {
	infos, err := h.client.KeyInfo(ctx, strings.TrimSpace(args))
	if err != nil {
		return err
	}
	for _, ki := range infos {
		if err := conn.WriteStatus("KEYINFO", ki.Keygrip+" T "+ki.Serialno+" "+ki.IDStr); err != nil {
			return err
		}
	}
	return nil
}

func (h *handler) cardList(ctx context.Context, conn *assuan.ServerConn, args string) error {
	serials, err := h.client.CardList(ctx)
	if err != nil {
		return err
	}
	for _, s := range serials {
		if err := conn.WriteStatus("SERIALNO", s); err != nil {
			return err
		}
	}
	return nil
}

func (h *handler) killScd(ctx context.Context, conn *assuan.ServerConn, args string) error {
	return h.srv.sup.Kill(ctx)
}

func (h *handler) getInfo(ctx context.Context, conn *assuan.ServerConn, args string) error {
	switch strings.TrimSpace(args) {
	case "version":
		return conn.SendData([]byte(h.srv.version))
	case "pid":
		return conn.SendData([]byte(strconv.Itoa(os.Getpid())))
	case "scd_running":
		if !h.srv.sup.Running() {
			return fmt.Errorf("%w: card daemon not running", errcode.ErrNoHelper)
		}
		return nil
	case "client_id":
		return conn.SendData([]byte(h.client.ID()))
	}
	return fmt.Errorf("%w: unknown GETINFO subcommand %q", errcode.ErrInvalidValue, args)
}
