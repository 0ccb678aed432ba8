package deadletter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/skillerr"
)

func TestCatalogMatchPrefersMostSpecificRule(t *testing.T) {
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "rate-limited-generic", Kind: skillerr.RateLimited, DefaultAction: deadletter.ActionRetryAsIs},
		{Name: "rate-limited-slack", Kind: skillerr.RateLimited, SkillPattern: `^slack\.`, DefaultAction: deadletter.ActionRetryWithTransform},
	})
	require.NoError(t, err)

	rule, ok := cat.Match(deadletter.MatchInput{Kind: skillerr.RateLimited, Skill: "slack.send"})
	require.True(t, ok)
	require.Equal(t, "rate-limited-slack", rule.Name)

	rule, ok = cat.Match(deadletter.MatchInput{Kind: skillerr.RateLimited, Skill: "email.send"})
	require.True(t, ok)
	require.Equal(t, "rate-limited-generic", rule.Name)
}

func TestCatalogMatchBreaksTiesByPriority(t *testing.T) {
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "low", Kind: skillerr.SchemaMismatch, SkillPattern: `^email\.`, Priority: 1, DefaultAction: deadletter.ActionAbort},
		{Name: "high", Kind: skillerr.SchemaMismatch, SkillPattern: `^email\.`, Priority: 5, DefaultAction: deadletter.ActionRouteToAltSkill, TargetSkill: "email.send.v2"},
	})
	require.NoError(t, err)

	rule, ok := cat.Match(deadletter.MatchInput{Kind: skillerr.SchemaMismatch, Skill: "email.send"})
	require.True(t, ok)
	require.Equal(t, "high", rule.Name)
}

func TestCatalogMatchReturnsFalseWhenNoRuleMatches(t *testing.T) {
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "only-rate-limited", Kind: skillerr.RateLimited, DefaultAction: deadletter.ActionRetryAsIs},
	})
	require.NoError(t, err)
	_, ok := cat.Match(deadletter.MatchInput{Kind: skillerr.Forbidden, Skill: "anything"})
	require.False(t, ok)
}
