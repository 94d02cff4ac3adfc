package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakCommunityScoreThreshold = 3

// IsWeakCommunity returns whether an SNMP community is considered weak.
// Only read-write communities are worth warning about; an empty one means
// the device is read-only and is not weak.
func IsWeakCommunity(community string) bool {
	if community == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(community, nil)
	return result.Score < weakCommunityScoreThreshold
}
