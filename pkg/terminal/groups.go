package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	dataCmds
	frameCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing captured memory", dataCmds},
	{"Listing and selecting frames", frameCmds},
	{"Other commands", otherCmds},
}
