package dialog

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// RouteSet упорядоченный набор маршрутов диалога
type RouteSet struct {
	routes []sip.Uri
}

// RouteSetFromRecordRoute строит набор из Record-Route сообщения.
// UAC разворачивает порядок, UAS использует как есть.
func RouteSetFromRecordRoute(msg sip.Message, reverse bool) (RouteSet, error) {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		uris, err := headerURIs(h)
		if err != nil {
			return RouteSet{}, err
		}
		routes = append(routes, uris...)
	}

	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return RouteSet{routes: routes}, nil
}

// headerURIs извлекает адреса из Route или Record-Route
func headerURIs(h sip.Header) ([]sip.Uri, error) {
	switch rh := h.(type) {
	case *sip.RecordRouteHeader:
		return []sip.Uri{rh.Address}, nil
	case *sip.RouteHeader:
		return []sip.Uri{rh.Address}, nil
	}

	// Заголовок мог прийти как значение через запятую
	var uris []sip.Uri
	for _, part := range strings.Split(h.Value(), ",") {
		value := strings.TrimSpace(part)
		if i := strings.IndexByte(value, '<'); i >= 0 {
			if j := strings.IndexByte(value[i:], '>'); j > 0 {
				value = value[i+1 : i+j]
			}
		}
		if value == "" {
			continue
		}

		var uri sip.Uri
		if err := sip.ParseUri(value, &uri); err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad %s %q: %v", h.Name(), part, err)
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// Routes возвращает копию маршрутов
func (rs RouteSet) Routes() []sip.Uri {
	return append([]sip.Uri(nil), rs.routes...)
}

// Len число маршрутов
func (rs RouteSet) Len() int { return len(rs.routes) }

// First первый маршрут
func (rs RouteSet) First() (sip.Uri, bool) {
	if len(rs.routes) == 0 {
		return sip.Uri{}, false
	}
	return rs.routes[0], true
}

// Apply заменяет Route заголовки запроса набором (loose routing)
func (rs RouteSet) Apply(req *sip.Request) {
	for range req.GetHeaders("Route") {
		req.RemoveHeader("Route")
	}
	for _, uri := range rs.routes {
		req.AppendHeader(&sip.RouteHeader{Address: uri})
	}
}
