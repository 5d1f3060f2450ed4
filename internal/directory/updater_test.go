package directory

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicRoomJoinAndLeave(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	room := h.room("!public:test", true)

	h.join(room, alice, bob)

	snapshot := h.snapshot()
	assert.Equal(t, []PublicMembership{{UserID: alice, RoomID: room}, {UserID: bob, RoomID: room}}, snapshot.Public)
	assert.Empty(t, snapshot.Private)
	assert.Equal(t, []UserResult{{UserID: alice, DisplayName: "Alice"}, {UserID: bob, DisplayName: "Bob"}}, snapshot.Profiles)

	h.leave(room, bob)

	snapshot = h.snapshot()
	assert.Equal(t, []PublicMembership{{UserID: alice, RoomID: room}}, snapshot.Public)
	assert.Equal(t, []string{alice}, h.profileIDs())
}

func TestPrivateRoomSharesAreSymmetric(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	carol := h.register("carol", "Carol")
	room := h.room("!private:test", false)

	h.join(room, alice, bob, carol)

	shares := h.snapshot().Private
	require.Len(t, shares, 6)
	pairs := map[[2]string]bool{}
	for _, share := range shares {
		assert.Equal(t, room, share.RoomID)
		pairs[[2]string{share.UserID, share.OtherUserID}] = true
	}
	for pair := range pairs {
		assert.True(t, pairs[[2]string{pair[1], pair[0]}], "missing reverse of %v", pair)
	}

	h.leave(room, carol)

	assert.Equal(t, []PrivateShare{
		{UserID: alice, OtherUserID: bob, RoomID: room},
		{UserID: bob, OtherUserID: alice, RoomID: room},
	}, h.snapshot().Private)
	assert.Equal(t, []string{alice, bob}, h.profileIDs())
}

func TestPrivateRoomPeerGainsProfileOnFirstShare(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	room := h.room("!private:test", false)

	h.join(room, alice)
	assert.Empty(t, h.profileIDs())

	h.join(room, bob)
	assert.Equal(t, []string{alice, bob}, h.profileIDs())
}

func TestLeaveAndRejoinRestoresState(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	carol := h.register("carol", "Carol")
	public := h.room("!public:test", true)
	private := h.room("!private:test", false)
	h.join(public, alice, bob)
	h.join(private, alice, bob, carol)

	before := h.snapshot()

	h.leave(private, bob)
	h.leave(public, bob)
	assert.NotEqual(t, before, h.snapshot())

	h.join(private, bob)
	h.join(public, bob)
	assert.Equal(t, before, h.snapshot())
}

func TestDeactivationPurgesUser(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	public := h.room("!public:test", true)
	private := h.room("!private:test", false)
	h.join(public, alice, bob)
	h.join(private, alice, bob)

	require.NoError(t, h.feed.Deactivate(h.ctx, bob))

	snapshot := h.snapshot()
	for _, row := range snapshot.Public {
		assert.NotEqual(t, bob, row.UserID)
	}
	assert.Empty(t, snapshot.Private)
	assert.Equal(t, []string{alice}, h.profileIDs())
	assert.Empty(t, h.searchIDs(alice, "bob"))
}

func TestReactivationRestoresVisibility(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	public := h.room("!public:test", true)
	private := h.room("!private:test", false)
	h.join(public, alice, bob)
	h.join(private, alice, bob)
	before := h.snapshot()

	require.NoError(t, h.feed.Deactivate(h.ctx, bob))
	require.NoError(t, h.admin.Reactivate(h.ctx, bob))

	assert.Equal(t, before, h.snapshot())
	assert.Equal(t, []string{bob}, h.searchIDs(alice, "bob"))
}

func TestSupportUsersAreNeverIndexed(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	support := h.registerSupport("support")
	public := h.room("!public:test", true)
	private := h.room("!private:test", false)

	h.join(public, alice, support)
	h.join(private, alice, support)

	snapshot := h.snapshot()
	assert.Equal(t, []PublicMembership{{UserID: alice, RoomID: public}}, snapshot.Public)
	assert.Empty(t, snapshot.Private)
	assert.Equal(t, []string{alice}, h.profileIDs())

	require.NoError(t, h.updater.OnUserDeactivated(h.ctx, support))
	assert.Equal(t, []string{alice}, h.profileIDs())
}

func TestDeactivationWinsOverProfileUpdate(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	public := h.room("!public:test", true)
	h.join(public, alice, bob)

	require.NoError(t, h.feed.Deactivate(h.ctx, bob))
	require.NoError(t, h.updater.OnProfileChange(h.ctx, bob, &ProfileInfo{DisplayName: "Robert"}))

	_, found, err := h.store.Profile(h.ctx, bob)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProfileChangeUpdatesSearchableName(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	public := h.room("!public:test", true)
	h.join(public, alice, bob)

	require.NoError(t, h.feed.SetProfile(h.ctx, bob, &ProfileInfo{DisplayName: "Robert", AvatarURL: "mxc://test/robert"}))

	result := h.search(alice, "robert", 10)
	require.Len(t, result.Results, 1)
	assert.Equal(t, UserResult{UserID: bob, DisplayName: "Robert", AvatarURL: "mxc://test/robert"}, result.Results[0])
}

func TestProfileChangeWithoutSharedRoomsIsDropped(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")

	require.NoError(t, h.feed.SetProfile(h.ctx, alice, &ProfileInfo{DisplayName: "Alicia"}))

	assert.Empty(t, h.profileIDs())
}

func TestClearedProfileRemovesUser(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	public := h.room("!public:test", true)
	h.join(public, alice, bob)

	require.NoError(t, h.feed.SetProfile(h.ctx, bob, nil))

	assert.Equal(t, []string{alice}, h.profileIDs())
}

func TestSearchAllUsersKeepsProfilesWithoutRooms(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, SearchAllUsers: true})
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	assert.Equal(t, []string{alice, bob}, h.profileIDs())

	public := h.room("!public:test", true)
	h.join(public, bob)
	h.leave(public, bob)
	assert.Equal(t, []string{alice, bob}, h.profileIDs())

	require.NoError(t, h.feed.SetProfile(h.ctx, bob, nil))
	profile, found, err := h.store.Profile(h.ctx, bob)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, profile.DisplayName)
}

func TestRemoteUserProfileComesFromMembership(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	public := h.room("!public:test", true)
	h.join(public, alice)

	h.joinRemote(public, "@carol:remote.example", "Carol")

	profile, found, err := h.store.Profile(h.ctx, "@carol:remote.example")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Carol", profile.DisplayName)

	h.joinRemote(public, "@carol:remote.example", "Caroline")
	profile, _, err = h.store.Profile(h.ctx, "@carol:remote.example")
	require.NoError(t, err)
	assert.Equal(t, "Caroline", profile.DisplayName)
}

func TestRoomVisibilityChangeRefilesMembers(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	room := h.room("!room:test", false)
	h.join(room, alice, bob)
	privateState := h.snapshot()

	require.NoError(t, h.feed.SetRoomVisibility(h.ctx, room, true))

	snapshot := h.snapshot()
	assert.Empty(t, snapshot.Private)
	assert.Equal(t, []PublicMembership{{UserID: alice, RoomID: room}, {UserID: bob, RoomID: room}}, snapshot.Public)

	require.NoError(t, h.feed.SetRoomVisibility(h.ctx, room, false))
	assert.Equal(t, privateState, h.snapshot())
}

func TestMembershipChangeRejectsMalformedIdentifiers(t *testing.T) {
	h := newHarness(t, enabledConfig())

	err := h.updater.OnMembershipChange(h.ctx, MembershipChange{UserID: "alice", RoomID: "!room:test", Membership: homeserver.MembershipJoin})
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "directory.on_membership_change.invalid_user_id", serviceErr.Code())

	err = h.updater.OnMembershipChange(h.ctx, MembershipChange{UserID: "@alice:test", RoomID: "room", Membership: homeserver.MembershipJoin})
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "directory.on_membership_change.invalid_room_id", serviceErr.Code())
}

func TestMembershipChangesAdvanceStreamPosition(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	room := h.room("!public:test", true)
	h.join(room, alice)
	h.leave(room, alice)

	state, err := h.store.State(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, state.StreamPosition)
	assert.Equal(t, int64(2), *state.StreamPosition)
}

func TestSecondPrivateRoomKeepsPairVisible(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	first := h.room("!first:test", false)
	second := h.room("!second:test", false)
	h.join(first, alice, bob)
	h.join(second, alice, bob)

	h.leave(first, bob)

	assert.ElementsMatch(t, []PrivateShare{
		{UserID: alice, OtherUserID: bob, RoomID: second},
		{UserID: bob, OtherUserID: alice, RoomID: second},
	}, h.snapshot().Private)
	assert.Equal(t, []string{bob}, h.searchIDs(alice, "bob"))
	assert.Equal(t, []string{alice}, h.searchIDs(bob, "alice"))

	h.leave(second, alice)

	assert.Empty(t, h.snapshot().Private)
	assert.Empty(t, h.searchIDs(alice, "bob"))
	assert.Empty(t, h.searchIDs(bob, "alice"))
}

func TestReregisteringDeactivatedAccountKeepsItDeactivated(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	h.join(h.room("!private:test", false), alice, bob)
	require.NoError(t, h.feed.Deactivate(h.ctx, bob))

	require.NoError(t, h.feed.RegisterAccount(h.ctx, homeserver.Account{UserID: bob}, &ProfileInfo{DisplayName: "Bob"}))

	account, found, err := h.rooms.Account(h.ctx, bob)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, account.Deactivated)
	assert.Empty(t, h.searchIDs(alice, "bob"))

	incremental := h.snapshot()
	h.rebuild(10)
	assert.Equal(t, incremental, h.snapshot())
}

func TestReregisteringSupportAccountKeepsUserType(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	support := h.registerSupport("helpdesk")
	h.join(h.room("!public:test", true), alice, support)

	require.NoError(t, h.feed.RegisterAccount(h.ctx, homeserver.Account{UserID: support}, nil))

	account, _, err := h.rooms.Account(h.ctx, support)
	require.NoError(t, err)
	assert.Equal(t, homeserver.UserTypeSupport, account.UserType)
	assert.Equal(t, []string{alice}, h.profileIDs())

	incremental := h.snapshot()
	h.rebuild(10)
	assert.Equal(t, incremental, h.snapshot())
}

func TestLateRegistrationIndexesEarlierJoins(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := localID("bob")
	public := h.room("!pub:test", true)
	private := h.room("!private:test", false)
	h.join(public, alice, bob)
	h.join(private, alice, bob)
	assert.Empty(t, h.searchIDs(alice, "bob"))

	h.register("bob", "Bob")

	assert.Equal(t, []string{bob}, h.searchIDs(alice, "bob"))
	assert.Equal(t, []string{alice}, h.searchIDs(bob, "alice"))
	incremental := h.snapshot()
	assert.ElementsMatch(t, []string{alice, bob}, h.profileIDs())

	h.rebuild(10)
	assert.Equal(t, incremental, h.snapshot())
}

func TestMixedCaseJoinIsVisibleToPeers(t *testing.T) {
	h := newHarness(t, enabledConfig())
	alice := h.register("alice", "Alice")
	bob := h.register("bob", "Bob")
	private := h.room("!private:test", false)
	h.setMembership(private, alice, "Join", "")
	h.join(private, bob)

	assert.Equal(t, []string{alice}, h.searchIDs(bob, "alice"))
	assert.Equal(t, []string{bob}, h.searchIDs(alice, "bob"))

	incremental := h.snapshot()
	h.rebuild(10)
	assert.Equal(t, incremental, h.snapshot())
}
