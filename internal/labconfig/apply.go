package labconfig

import (
	"context"

	"github.com/vk/labsched/internal/statusstore"
)

// Apply validates doc and adds every device it names to store. It is used
// both at startup (an empty store) and by the configure_lab command
// (spec.md §4.7), which only ever adds devices — removing or mutating an
// existing device is out of scope for that command per spec.md and is
// left to the Status Store's own RemoveDevice for an operator to call
// directly.
func Apply(ctx context.Context, store statusstore.Store, doc *Document) ([]string, error) {
	devices, err := Validate(doc)
	if err != nil {
		return nil, err
	}

	added := make([]string, 0, len(devices))
	for _, d := range devices {
		if _, ok := store.Device(ctx, d.Name); ok {
			continue
		}
		if err := store.AddDevice(ctx, d); err != nil {
			return added, err
		}
		added = append(added, d.Name)
	}
	return added, nil
}
