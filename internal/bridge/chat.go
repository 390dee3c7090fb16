package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

// SendChat forwards a user message and the page it was typed on.
// pageContext may be nil.
func (c *Conn) SendChat(ctx context.Context, text, sessionID string, pageContext any) (json.RawMessage, error) {
	if text == "" {
		return nil, errors.New("empty chat message")
	}
	params := protocol.ChatSendParams{Text: text, SessionID: sessionID}
	if pageContext != nil {
		raw, err := json.Marshal(pageContext)
		if err != nil {
			return nil, err
		}
		params.Context = raw
	}
	return c.SendRequest(ctx, protocol.MethodChatSend, params)
}
