package models

import "encoding/json"

// UserStatus is the lifecycle state of a bridged phone number.
type UserStatus string

const (
	StatusNone       UserStatus = ""
	StatusPending    UserStatus = "pending"
	StatusOnboarding UserStatus = "onboarding"
	StatusActive     UserStatus = "active"
)

// IsOnboarding reports whether the status belongs to the signup conversation.
func (s UserStatus) IsOnboarding() bool {
	return s == StatusPending || s == StatusOnboarding
}

// OnboardTurn is one entry of the onboarding conversation history. The
// history is owned by the onboarding service; the bridge passes it through.
type OnboardTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserInfo is a row of the bridged-user directory.
type UserInfo struct {
	ID              string        `json:"id"`
	PhoneNumber     string        `json:"phone_number"`
	UserID          string        `json:"user_id,omitempty"`
	Status          UserStatus    `json:"status"`
	OnboardingToken string        `json:"onboarding_token,omitempty"`
	DisplayName     string        `json:"display_name,omitempty"`
	OnboardMessages []OnboardTurn `json:"onboard_messages,omitempty"`
	OnboardCount    int           `json:"onboard_count,omitempty"`
	Profile         *Profile      `json:"pdl_profile,omitempty"`
}

// HasAccount reports whether the user resolved to an account identifier.
func (u *UserInfo) HasAccount() bool {
	return u != nil && u.UserID != ""
}

// Profile is the enrichment record attached to a phone number during signup.
// All fields are optional.
type Profile struct {
	FullName                string   `json:"full_name,omitempty"`
	Sex                     string   `json:"sex,omitempty"`
	JobTitle                string   `json:"job_title,omitempty"`
	JobCompanyName          string   `json:"job_company_name,omitempty"`
	JobCompanySize          string   `json:"job_company_size,omitempty"`
	JobCompanyType          string   `json:"job_company_type,omitempty"`
	JobCompanyIndustry      string   `json:"job_company_industry,omitempty"`
	JobTitleRole            string   `json:"job_title_role,omitempty"`
	JobTitleSubRole         string   `json:"job_title_sub_role,omitempty"`
	JobTitleLevels          []string `json:"job_title_levels,omitempty"`
	JobStartDate            string   `json:"job_start_date,omitempty"`
	JobSummary              string   `json:"job_summary,omitempty"`
	Headline                string   `json:"headline,omitempty"`
	Industry                string   `json:"industry,omitempty"`
	InferredYearsExperience *int     `json:"inferred_years_experience,omitempty"`
	InferredSalary          string   `json:"inferred_salary,omitempty"`
	PreviousCompanies       []string `json:"previous_companies,omitempty"`
	EducationSchool         string   `json:"education_school,omitempty"`
	EducationMajors         []string `json:"education_majors,omitempty"`
	EducationDegrees        []string `json:"education_degrees,omitempty"`
	LocationName            string   `json:"location_name,omitempty"`
	LocationLocality        string   `json:"location_locality,omitempty"`
	LocationRegion          string   `json:"location_region,omitempty"`
	Interests               []string `json:"interests,omitempty"`
}

// ParseProfile decodes a stored profile document. Empty input and JSON null
// yield a nil profile.
func ParseProfile(raw []byte) (*Profile, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ChatMessage is an assistant or system message written by the backend into a
// user's conversation log, consumed by the fallback relay.
type ChatMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OutboundMessage is a queued message written by backend functions for the
// bridge to deliver (for example a post-signup welcome).
type OutboundMessage struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
}
