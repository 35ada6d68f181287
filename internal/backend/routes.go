package backend

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"fieldsync/internal/domain"
)

// route maps an action type onto a REST call. Path parameters in braces are
// taken from the payload and removed from the request body.
type route struct {
	method string
	path   string
}

var routes = map[domain.ActionType]route{
	domain.ActionUpdateOrderStatus: {http.MethodPatch, "/orders/{orderId}/status"},
	domain.ActionSendMessage:       {http.MethodPost, "/orders/{orderId}/messages"},
	domain.ActionUploadPhoto:       {http.MethodPost, "/orders/{orderId}/photos"},
	domain.ActionUpdateLocation:    {http.MethodPost, "/technicians/location"},
	domain.ActionAcceptOrder:       {http.MethodPost, "/orders/{orderId}/accept"},
	domain.ActionDeclineOrder:      {http.MethodPost, "/orders/{orderId}/decline"},
	domain.ActionUpdateProfile:     {http.MethodPatch, "/technicians/profile"},
	domain.ActionCreateOrderNote:   {http.MethodPost, "/orders/{orderId}/notes"},
	domain.ActionUpdateServiceArea: {http.MethodPut, "/technicians/service-area"},
}

// build resolves the path and returns the remaining payload as the body.
func (r route) build(payload map[string]any) (string, map[string]any, error) {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	var b strings.Builder
	rest := r.path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}') + open
		name := rest[open+1 : end]
		v, ok := payload[name]
		s := ""
		if ok && v != nil {
			s = fmt.Sprint(v)
		}
		if s == "" {
			return "", nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(s))
		delete(body, name)
		rest = rest[end+1:]
	}
	return b.String(), body, nil
}
