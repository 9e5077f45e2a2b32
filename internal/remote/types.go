package remote

import (
	"encoding/json"
	"time"
)

// TabFile is the signed payload stored for one tab.
type TabFile struct {
	SpaceID   string          `json:"spaceId"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Timestamp time.Time       `json:"timestamp"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
}

// TabOrder is the signed payload stored for the ordering of a space's tabs.
type TabOrder struct {
	SpaceID   string    `json:"spaceId"`
	Order     []string  `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// TabDeletion is the signed payload authorising deletion of a stored tab.
type TabDeletion struct {
	SpaceID   string    `json:"spaceId"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// SpaceMeta associates a space with the entity it was created for.
type SpaceMeta struct {
	FID             int64  `json:"fid,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	Network         string `json:"network,omitempty"`
	ProposalID      string `json:"proposalId,omitempty"`
	ChannelID       string `json:"channelId,omitempty"`
}

func (m SpaceMeta) IsZero() bool {
	return m == SpaceMeta{}
}

// SpaceRegistrationRequest asks the registry to create a space. SpaceID is
// empty when the server assigns the id.
type SpaceRegistrationRequest struct {
	SpaceID     string     `json:"spaceId,omitempty"`
	SpaceName   string     `json:"spaceName"`
	CommunityID string     `json:"communityId,omitempty"`
	NavItemID   string     `json:"navItemId,omitempty"`
	Identity    string     `json:"identity,omitempty"`
	Meta        *SpaceMeta `json:"meta,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// SpaceRegistration is the registry's answer; SpaceID is authoritative.
type SpaceRegistration struct {
	SpaceID string `json:"spaceId"`
}

// NavigationConfigUpdate is the signed payload replacing a community's
// navigation config.
type NavigationConfigUpdate struct {
	CommunityID      string          `json:"communityId"`
	NavigationConfig json.RawMessage `json:"navigationConfig"`
	Timestamp        time.Time       `json:"timestamp"`
}
