package ws

import "sync"

// RoomManager tracks local room membership. A client's joined-room set is
// updated under the same lock so both views stay consistent.
type RoomManager struct {
	rooms map[string]map[string]*Client
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]map[string]*Client),
	}
}

// Join reports whether the client is the first local member of the room.
// Joining a room twice is a no-op and never reports first.
func (rm *RoomManager) Join(roomID string, cl *Client) (first bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	members, ok := rm.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		rm.rooms[roomID] = members
	}
	if _, exists := members[cl.ID]; exists {
		return false
	}

	members[cl.ID] = cl
	cl.rooms.Add(roomID)
	return len(members) == 1
}

// Leave reports whether the client was a member and whether the room is now
// empty on this process.
func (rm *RoomManager) Leave(roomID string, cl *Client) (wasMember, last bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.leaveLocked(roomID, cl)
}

func (rm *RoomManager) leaveLocked(roomID string, cl *Client) (wasMember, last bool) {
	cl.rooms.Remove(roomID)

	members, ok := rm.rooms[roomID]
	if !ok {
		return false, false
	}
	if _, exists := members[cl.ID]; !exists {
		return false, false
	}

	delete(members, cl.ID)
	if len(members) == 0 {
		delete(rm.rooms, roomID)
		return true, true
	}
	return true, false
}

// Members returns a snapshot so sends happen outside the lock.
func (rm *RoomManager) Members(roomID string) []*Client {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	members := rm.rooms[roomID]
	clients := make([]*Client, 0, len(members))
	for _, cl := range members {
		clients = append(clients, cl)
	}
	return clients
}

func (rm *RoomManager) Size(roomID string) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms[roomID])
}

func (rm *RoomManager) RoomCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// Broadcast enqueues data for every member the skip func does not reject
// and returns how many clients accepted it.
func (rm *RoomManager) Broadcast(roomID string, data []byte, skip func(*Client) bool) int {
	delivered := 0
	for _, cl := range rm.Members(roomID) {
		if skip != nil && skip(cl) {
			continue
		}
		if cl.SendRaw(data) {
			delivered++
		}
	}
	return delivered
}
