package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_SubstitutesDeclaredPlaceholders(t *testing.T) {
	body := "Hi {{user_name}}, your code is {{code}}."
	declared := []string{"user_name", "code"}
	ctx := map[string]any{"user_name": "jdoe", "code": "1234"}

	got := Render(body, declared, ctx)
	assert.Equal(t, "Hi jdoe, your code is 1234.", got)
}

func TestRender_LeavesUndeclaredPlaceholdersVerbatim(t *testing.T) {
	body := "Hi {{user_name}}, secret: {{internal_token}}."
	declared := []string{"user_name"}
	ctx := map[string]any{"user_name": "jdoe", "internal_token": "should-not-appear"}

	got := Render(body, declared, ctx)
	assert.Equal(t, "Hi jdoe, secret: {{internal_token}}.", got)
}

func TestRender_MissingContextValueSubstitutesEmpty(t *testing.T) {
	body := "Code: {{code}}"
	declared := []string{"code"}

	got := Render(body, declared, map[string]any{})
	assert.Equal(t, "Code: ", got)
}

func TestRender_NoDeclaredVariablesReturnsBodyUnchanged(t *testing.T) {
	body := "Hi {{user_name}}"
	got := Render(body, nil, map[string]any{"user_name": "jdoe"})
	assert.Equal(t, body, got, "no declared variables means no substitution at all")
}

func TestRender_Idempotent(t *testing.T) {
	body := "Hi {{user_name}}, code {{code}}"
	declared := []string{"user_name", "code"}
	ctx := map[string]any{"user_name": "jdoe", "code": "9"}

	first := Render(body, declared, ctx)
	second := Render(first, declared, ctx)
	assert.Equal(t, first, second, "rendering an already-rendered body changes nothing further")
}

func TestUserName(t *testing.T) {
	assert.Equal(t, "jdoe", UserName("jdoe@example.com"))
	assert.Equal(t, "User", UserName(""))
	assert.Equal(t, "User", UserName("@example.com"))
}

func TestFallback(t *testing.T) {
	subject, body := Fallback("security", map[string]any{"ip": "1.2.3.4"})
	assert.Equal(t, "Notification: security", subject)
	assert.JSONEq(t, `{"ip":"1.2.3.4"}`, body)
}
