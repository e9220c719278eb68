package relay

import (
	"context"
	"net/url"

	"github.com/cyclopcam/edgecv/pkg/requests"
	"github.com/cyclopcam/edgecv/pkg/transport"
)

// ListRooms fetches the active rooms from the relay at baseURL
func ListRooms(ctx context.Context, baseURL string) ([]RoomJSON, error) {
	u, err := transport.APIURL(baseURL, "/api/rooms")
	if err != nil {
		return nil, err
	}
	rooms, err := requests.RequestJSON[[]RoomJSON](ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// ListParticipants fetches the participants of a room from the relay at baseURL
func ListParticipants(ctx context.Context, baseURL, room string) ([]ParticipantJSON, error) {
	u, err := transport.APIURL(baseURL, "/api/rooms/"+url.PathEscape(room)+"/participants")
	if err != nil {
		return nil, err
	}
	participants, err := requests.RequestJSON[[]ParticipantJSON](ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	return *participants, nil
}
