package core

// room groups the clients of one match together with the seat claims and chat log.
// It references clients by id and is only touched by the host goroutine.
type room struct {
	matchID string
	clients map[string]*Client
	seats   map[string]string // seat -> client id
	chat    []ChatMessage
}

func newRoom(matchID string) *room {
	return &room{
		matchID: matchID,
		clients: make(map[string]*Client),
		seats:   make(map[string]string),
	}
}

func (r *room) addClient(c *Client) {
	r.clients[c.ID] = c
}

// removeClient deletes c and releases its seat. It returns the released seat, if any.
func (r *room) removeClient(c *Client) string {
	delete(r.clients, c.ID)
	for seat, id := range r.seats {
		if id == c.ID {
			delete(r.seats, seat)
			return seat
		}
	}
	return ""
}

// seatOf returns the seat held by the client, or "".
func (r *room) seatOf(clientID string) string {
	for seat, id := range r.seats {
		if id == clientID {
			return seat
		}
	}
	return ""
}

func (r *room) holds(clientID, seat string) bool {
	return seat != "" && r.seats[seat] == clientID
}

func (r *room) appendChat(msg ChatMessage, limit int) {
	r.chat = append(r.chat, msg)
	if over := len(r.chat) - limit; over > 0 {
		r.chat = append([]ChatMessage(nil), r.chat[over:]...)
	}
}

// broadcast delivers ev to every client except skip and returns the clients whose outbox
// was full.
func (r *room) broadcast(ev *Event, skip string) []*Client {
	var overflowed []*Client
	for id, c := range r.clients {
		if id == skip {
			continue
		}
		if !c.deliver(ev) {
			overflowed = append(overflowed, c)
		}
	}
	return overflowed
}
