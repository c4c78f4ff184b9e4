package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	categoryColor     = "0088CC"
	categoryTextColor = "FFFFFF"
)

type forumUser struct {
	Name         string            `json:"name"`
	Username     string            `json:"username"`
	Email        string            `json:"email"`
	Active       bool              `json:"active"`
	Approved     bool              `json:"approved"`
	ExternalID   string            `json:"external_id"`
	CustomFields map[string]string `json:"custom_fields"`
}

type forumCategory struct {
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Color        string            `json:"color"`
	TextColor    string            `json:"text_color"`
	Description  string            `json:"description,omitempty"`
	CustomFields map[string]string `json:"custom_fields"`
}

type forumTopic struct {
	Title        string            `json:"title"`
	Raw          string            `json:"raw"`
	Category     string            `json:"category"`
	CustomFields map[string]string `json:"custom_fields"`
}

type forumPost struct {
	TopicID      string            `json:"topic_id"`
	Raw          string            `json:"raw"`
	CustomFields map[string]string `json:"custom_fields"`
}

func ExternalUserID(lmsID string) string {
	return "lms_" + lmsID
}

// ForumUsername derives a forum username from the local part of an email.
// Characters outside [A-Za-z0-9_] become '_'.
func ForumUsername(email, lmsID string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	if b.Len() == 0 {
		return "lms_user_" + lmsID
	}
	return b.String()
}

// Slugify lowercases s and collapses each run of non-alphanumerics into one '-'.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

func UserToForum(lmsID string, lmsUser json.RawMessage) (json.RawMessage, error) {
	u := gjson.ParseBytes(lmsUser)
	email := firstString(u, "email", "login_id", "primary_email")
	username := ForumUsername(email, lmsID)

	return json.Marshal(forumUser{
		Name:       firstNonEmpty(firstString(u, "name", "sortable_name", "short_name"), username),
		Username:   username,
		Email:      email,
		Active:     u.Get("workflow_state").String() != "deleted",
		Approved:   true,
		ExternalID: ExternalUserID(lmsID),
		CustomFields: map[string]string{
			"lms_user_id": lmsID,
		},
	})
}

func CourseToCategory(lmsID string, course json.RawMessage) (json.RawMessage, error) {
	c := gjson.ParseBytes(course)
	name := c.Get("name").String()
	code := c.Get("course_code").String()

	slug := Slugify(code)
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" {
		name = firstNonEmpty(code, "Course "+lmsID)
	}

	return json.Marshal(forumCategory{
		Name:        name,
		Slug:        slug,
		Color:       categoryColor,
		TextColor:   categoryTextColor,
		Description: firstString(c, "public_description", "syllabus_body"),
		CustomFields: map[string]string{
			"lms_course_id":   lmsID,
			"lms_course_code": code,
		},
	})
}

func AssignmentToTopic(lmsID, categoryID string, assignment json.RawMessage) (json.RawMessage, error) {
	a := gjson.ParseBytes(assignment)
	title := firstNonEmpty(a.Get("name").String(), "Assignment "+lmsID)

	raw := a.Get("description").String()
	if due := a.Get("due_at").String(); due != "" {
		raw = strings.TrimSpace(raw + "\n\nDue: " + due)
	}

	return json.Marshal(forumTopic{
		Title:    title,
		Raw:      firstNonEmpty(raw, "Discussion for "+title),
		Category: categoryID,
		CustomFields: map[string]string{
			"lms_assignment_id": lmsID,
		},
	})
}

func DiscussionToTopic(lmsID, categoryID string, discussion json.RawMessage) (json.RawMessage, error) {
	d := gjson.ParseBytes(discussion)
	title := firstNonEmpty(d.Get("title").String(), "Discussion "+lmsID)

	return json.Marshal(forumTopic{
		Title:    title,
		Raw:      firstNonEmpty(d.Get("message").String(), title),
		Category: categoryID,
		CustomFields: map[string]string{
			"lms_discussion_id": lmsID,
		},
	})
}

func SubmissionToPost(lmsID, topicID string, submission json.RawMessage) (json.RawMessage, error) {
	s := gjson.ParseBytes(submission)
	raw := s.Get("body").String()
	if raw == "" {
		raw = fmt.Sprintf("Submission %s (%s)", lmsID, firstNonEmpty(s.Get("workflow_state").String(), "submitted"))
	}

	return json.Marshal(forumPost{
		TopicID: topicID,
		Raw:     raw,
		CustomFields: map[string]string{
			"lms_submission_id": lmsID,
		},
	})
}

// UpdatedAt reads the updated_at field of a remote document, or the zero time.
func UpdatedAt(data json.RawMessage) time.Time {
	v := gjson.GetBytes(data, "updated_at")
	if !v.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v.String())
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
