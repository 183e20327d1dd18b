package server

// Client is an entry in the static public-client allow-list. Public
// clients carry no secret; possession of a valid PKCE verifier is their
// only authentication.
type Client struct {
	// ID is the client identifier presented as client_id.
	ID string

	// Name is the human-readable name shown on the consent page.
	// Falls back to ID when empty.
	Name string
}

// DisplayName returns the name to show on the consent page.
func (c *Client) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// ClientRegistry is an immutable allow-list of known public clients.
// It is built once at construction so tests can substitute alternate
// allow-lists; there is no runtime registration.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds a registry from the given clients. Later
// duplicates of the same ID win.
func NewClientRegistry(clients []Client) *ClientRegistry {
	m := make(map[string]*Client, len(clients))
	for i := range clients {
		c := clients[i]
		if c.ID == "" {
			continue
		}
		m[c.ID] = &c
	}
	return &ClientRegistry{clients: m}
}

// Lookup returns the client with the given ID, or nil if it is not in the
// allow-list.
func (r *ClientRegistry) Lookup(clientID string) *Client {
	return r.clients[clientID]
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	return len(r.clients)
}
