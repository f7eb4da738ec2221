package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerHandshake performs the server side of method negotiation and reads
// a CONNECT request, returning the requested host:port. Only CONNECT is
// accepted. If auth.Username is set, username/password is required.
func ServerHandshake(rw io.ReadWriter, auth Auth) (string, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return "", fmt.Errorf("socks5: negotiation request: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !bytes.Contains(neg.Methods, []byte{want}) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(rw)
		return "", errors.New("socks5: no acceptable method")
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(rw); err != nil {
		return "", fmt.Errorf("socks5: negotiation reply: %w", err)
	}

	if want == txsocks5.MethodUsernamePassword {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
		if err != nil {
			return "", fmt.Errorf("socks5: read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
			return "", ErrAuthFailed
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
			return "", fmt.Errorf("socks5: write userpass: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(rw)
	if err != nil {
		return "", fmt.Errorf("socks5: request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroReply(txsocks5.RepCommandNotSupported).WriteTo(rw)
		return "", fmt.Errorf("socks5: unsupported command %#x", req.Cmd)
	}
	return req.Address(), nil
}

// WriteSuccessReply answers a CONNECT with bound as the bound address.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("socks5: parse bound address %q: %w", bound, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("socks5: success reply: %w", err)
	}
	return nil
}

// WriteConnectionRefusedReply answers a CONNECT with a refusal.
func WriteConnectionRefusedReply(w io.Writer) {
	_, _ = zeroReply(txsocks5.RepConnectionRefused).WriteTo(w)
}

func zeroReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
}
