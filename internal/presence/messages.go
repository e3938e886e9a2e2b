package presence

import "github.com/kinopio-club/kinopio-sync/pkg/space"

// CursorMessage builds the message announcing the local user's cursor.
func CursorMessage(userID string, x, y, zoom float64) (space.Message, error) {
	return space.StoreMessage(space.StoreGlobal, ActionUpdateRemoteUserCursor,
		Cursor{UserID: userID, X: x, Y: y, Zoom: zoom})
}

// DraggingMessage builds the message announcing the cards the local user drags.
func DraggingMessage(userID string, cardIDs []string) (space.Message, error) {
	return space.StoreMessage(space.StoreGlobal, ActionAddToRemoteCardsDragging, map[string]any{
		"userId":  userID,
		"cardIds": cardIDs,
	})
}

// ClearDraggingMessage builds the message ending the local user's drag.
func ClearDraggingMessage(userID string) (space.Message, error) {
	return space.StoreMessage(space.StoreGlobal, ActionClearRemoteCardsDragging, map[string]string{"userId": userID})
}

// SpaceMessage builds an updateSpace message from a metadata patch.
func SpaceMessage(patch map[string]any) (space.Message, error) {
	return space.StoreMessage(space.StoreSpace, ActionUpdateSpace, patch)
}
