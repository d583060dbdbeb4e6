package users

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// BuildProfileContext renders an enrichment profile as the plain-text
// context block sent with onboarding turns. It returns "" for a nil or
// empty profile.
func BuildProfileContext(p *models.Profile) string {
	if p == nil {
		return ""
	}
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}

	add("Name", p.FullName)
	add("Gender", p.Sex)
	add("Current Title", p.JobTitle)
	if p.JobCompanyName != "" {
		company := p.JobCompanyName
		if p.JobCompanySize != "" {
			company += fmt.Sprintf(" (%s employees)", p.JobCompanySize)
		}
		if p.JobCompanyType != "" {
			company += fmt.Sprintf(" [%s]", p.JobCompanyType)
		}
		add("Company", company)
	}
	add("Company Industry", p.JobCompanyIndustry)
	if p.JobTitleRole != "" {
		role := p.JobTitleRole
		if p.JobTitleSubRole != "" {
			role += " / " + p.JobTitleSubRole
		}
		add("Role Category", role)
	}
	add("Seniority", strings.Join(p.JobTitleLevels, ", "))
	add("In Current Role Since", p.JobStartDate)
	add("Job Description", p.JobSummary)
	add("LinkedIn Headline", p.Headline)
	add("Personal Industry", p.Industry)
	if p.InferredYearsExperience != nil {
		add("Years of Experience", fmt.Sprintf("~%d", *p.InferredYearsExperience))
	}
	add("Salary Range", p.InferredSalary)
	add("Previous Companies", strings.Join(p.PreviousCompanies, ", "))
	if p.EducationSchool != "" {
		edu := p.EducationSchool
		if len(p.EducationMajors) > 0 {
			edu += " (" + strings.Join(p.EducationMajors, ", ") + ")"
		}
		if len(p.EducationDegrees) > 0 {
			edu += ", " + strings.Join(p.EducationDegrees, ", ")
		}
		add("University", edu)
	}
	switch {
	case p.LocationName != "":
		add("Location", p.LocationName)
	case p.LocationLocality != "":
		loc := p.LocationLocality
		if p.LocationRegion != "" {
			loc += ", " + p.LocationRegion
		}
		add("Location", loc)
	}
	add("Interests", strings.Join(p.Interests, ", "))

	return strings.Join(lines, "\n")
}
