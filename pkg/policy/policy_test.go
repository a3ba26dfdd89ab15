package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amicus-social/amicus/pkg/pair"
)

func TestEffective(t *testing.T) {
	var testCases = map[string]struct {
		classPolicy Level
		override    Level
		want        Level
	}{
		"no_override":                   {classPolicy: LevelPublic, override: LevelUnspecified, want: LevelPublic},
		"override_narrows":              {classPolicy: LevelPublic, override: LevelFriendsOnly, want: LevelFriendsOnly},
		"override_narrows_to_private":   {classPolicy: LevelFriendsOnly, override: LevelPrivate, want: LevelPrivate},
		"stale_widening_override_loses": {classPolicy: LevelPrivate, override: LevelPublic, want: LevelPrivate},
		"equal_levels":                  {classPolicy: LevelFriendsOnly, override: LevelFriendsOnly, want: LevelFriendsOnly},
		"invalid_class_policy_defaults": {classPolicy: Level(7), override: LevelUnspecified, want: DefaultLevel},
		"invalid_override_ignored":      {classPolicy: LevelPublic, override: Level(7), want: LevelPublic},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.want, Effective(test.classPolicy, test.override))
		})
	}
}

func TestValidateOverride(t *testing.T) {
	require.NoError(t, ValidateOverride(LevelPublic, LevelUnspecified))
	require.NoError(t, ValidateOverride(LevelPublic, LevelFriendsOnly))
	require.NoError(t, ValidateOverride(LevelFriendsOnly, LevelFriendsOnly))

	err := ValidateOverride(LevelFriendsOnly, LevelPublic)
	require.ErrorIs(t, err, ErrPolicyMisconfiguration)

	err = ValidateOverride(LevelPublic, Level(7))
	require.ErrorIs(t, err, ErrPolicyMisconfiguration)
}

func TestResolve(t *testing.T) {
	var testCases = map[string]struct {
		classPolicy   Level
		override      Level
		status        pair.EdgeStatus
		viewerIsOwner bool
		want          Outcome
	}{
		"blocked_wins_over_public": {
			classPolicy: LevelPublic,
			status:      pair.StatusBlocked,
			want:        OutcomeDeny,
		},
		"blocked_wins_over_owner": {
			classPolicy:   LevelPublic,
			status:        pair.StatusBlocked,
			viewerIsOwner: true,
			want:          OutcomeDeny,
		},
		"owner_sees_private": {
			classPolicy:   LevelPrivate,
			viewerIsOwner: true,
			want:          OutcomeOwnerAllowed,
		},
		"public_allows_stranger": {
			classPolicy: LevelPublic,
			status:      pair.StatusNone,
			want:        OutcomePublicOK,
		},
		"friends_only_allows_friend": {
			classPolicy: LevelFriendsOnly,
			status:      pair.StatusFriends,
			want:        OutcomeFriendsAllowed,
		},
		"friends_only_denies_stranger": {
			classPolicy: LevelFriendsOnly,
			status:      pair.StatusNone,
			want:        OutcomeFriendsRequired,
		},
		"friends_only_denies_pending": {
			classPolicy: LevelFriendsOnly,
			status:      pair.StatusPending,
			want:        OutcomeFriendsRequired,
		},
		"private_denies_friend": {
			classPolicy: LevelPrivate,
			status:      pair.StatusFriends,
			want:        OutcomeDeny,
		},
		"override_narrows_public_to_friends": {
			classPolicy: LevelPublic,
			override:    LevelFriendsOnly,
			status:      pair.StatusNone,
			want:        OutcomeFriendsRequired,
		},
		"override_narrows_public_to_private": {
			classPolicy: LevelPublic,
			override:    LevelPrivate,
			status:      pair.StatusFriends,
			want:        OutcomeDeny,
		},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			got := Resolve(test.classPolicy, test.override, test.status, test.viewerIsOwner)
			require.Equal(t, test.want, got)
		})
	}
}

func TestOutcomeAllowed(t *testing.T) {
	require.True(t, OutcomePublicOK.Allowed())
	require.True(t, OutcomeFriendsAllowed.Allowed())
	require.True(t, OutcomeOwnerAllowed.Allowed())
	require.False(t, OutcomeDeny.Allowed())
	require.False(t, OutcomeFriendsRequired.Allowed())
}

func TestPolicyForClassDefaults(t *testing.T) {
	require.Equal(t, LevelPrivate, DefaultLevel)
	require.True(t, ResourceClassProfile.Valid())
	require.False(t, ResourceClass("albums").Valid())
	require.Len(t, ResourceClasses(), 4)
}
