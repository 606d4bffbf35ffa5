package model

// GameImage is a catalog entry describing a runnable game server image.
type GameImage struct {
	ID                  int64
	FriendlyName        string
	ImageRef            string
	DefaultInternalPort int
	MinRAM              string
	MinCPU              string
	Protocol            Protocol
	Description         string
}
