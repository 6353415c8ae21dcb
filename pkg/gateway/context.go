package gateway

import "context"

type ctxKey string

const clientKey ctxKey = "client"

func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// clientFromContext returns the WebSocket client behind an RPC call, or
// nil for calls made over HTTP.
func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	client, _ := ctx.Value(clientKey).(*Client)
	return client
}
