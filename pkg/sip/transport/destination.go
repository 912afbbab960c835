package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// Destination вычисляет host:port, куда уходит сообщение.
// Запрос идет на верхний Route (loose routing), иначе на Request-URI.
// Ответ идет по верхнему Via с учетом received и rport.
func Destination(msg sip.Message) (string, error) {
	switch m := msg.(type) {
	case *sip.Request:
		uri := m.Recipient
		if route, ok := m.GetHeader("Route").(*sip.RouteHeader); ok && route != nil {
			uri = route.Address
		}
		return uriAddr(uri)

	case *sip.Response:
		via := m.Via()
		if via == nil {
			return "", fmt.Errorf("response without Via: %w", ErrInvalidAddress)
		}
		host, port := via.Host, via.Port
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
		return joinHostPort(host, port, false)

	default:
		return "", fmt.Errorf("unsupported message %T: %w", msg, ErrInvalidAddress)
	}
}

func uriAddr(uri sip.Uri) (string, error) {
	return joinHostPort(uri.Host, uri.Port, uri.Scheme == "sips")
}

func joinHostPort(host string, port int, secure bool) (string, error) {
	if host == "" {
		return "", fmt.Errorf("empty host: %w", ErrInvalidAddress)
	}
	if port == 0 {
		port = 5060
		if secure {
			port = 5061
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// stampVia дописывает в верхний Via входящего запроса адрес
// отправителя (RFC 3261 18.2.1, RFC 3581), чтобы ответ ушел туда же.
func stampVia(req *sip.Request, from *net.UDPAddr) {
	via := req.Via()
	if via == nil || from == nil {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	if ip := from.IP.String(); via.Host != ip {
		via.Params.Add("received", ip)
	}
	if rport, ok := via.Params.Get("rport"); ok && rport == "" {
		via.Params.Add("rport", strconv.Itoa(from.Port))
	}
}
