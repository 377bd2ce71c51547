package ws

import (
	"encoding/json"
	"testing"
)

func TestDispatchAnonymousRejected(t *testing.T) {
	g := &Gateway{hub: NewHub()}

	// An unauthenticated socket is keepalive only. Every inbound event,
	// including the match and presence ones, must be rejected before it
	// touches the limiter or the pipeline; chat data is served over REST
	// to authenticated callers only.
	for typ := range inboundTypes {
		c := testClient("anon", 0)
		g.dispatch(c, &Inbound{Type: typ, ChatID: 1})

		select {
		case data := <-c.send:
			var evt ErrorEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("%s: unmarshal response: %v", typ, err)
			}
			if evt.Code != "unauthenticated" {
				t.Errorf("%s: code = %q, want unauthenticated", typ, evt.Code)
			}
		default:
			t.Errorf("%s: no rejection sent to anonymous client", typ)
		}
	}
}
