package assessment

import "strings"

// Pathogen risk levels returned by PathogenRiskLevel.
const (
	RiskLevelLow         = 1
	RiskLevelBSL2        = 2
	RiskLevelBSL3        = 3
	RiskLevelBSL4        = 4
	RiskLevelSelectAgent = 5
)

// DefaultRequiredBSL is assumed for pathogens missing from the BSL table.
const DefaultRequiredBSL = 2

// WHOPriorityPathogens lists bacteria and viruses on WHO priority lists.
var WHOPriorityPathogens = []string{
	"Acinetobacter baumannii",
	"Pseudomonas aeruginosa",
	"Enterobacteriaceae",
	"Enterococcus faecium",
	"Staphylococcus aureus",
	"Helicobacter pylori",
	"Campylobacter",
	"Salmonella",
	"Neisseria gonorrhoeae",
	"Streptococcus pneumoniae",
	"Haemophilus influenzae",
	"Shigella",
	"Mycobacterium tuberculosis",
	"Yersinia pestis",
	"Bacillus anthracis",
	"Francisella tularensis",
	"Brucella",
	"Burkholderia mallei",
	"Burkholderia pseudomallei",
	"Clostridium botulinum",
	"Vibrio cholerae",
	"Ebola virus",
	"Marburg virus",
	"Lassa virus",
	"SARS-CoV",
	"SARS-CoV-2",
	"MERS-CoV",
	"Nipah virus",
	"Hendra virus",
	"Influenza H5N1",
	"Influenza H7N9",
	"Crimean-Congo hemorrhagic fever virus",
	"Rift Valley fever virus",
	"Hantavirus",
	"Variola virus",
	"Monkeypox virus",
	"Junin virus",
	"Machupo virus",
	"Dengue virus",
	"Zika virus",
	"Yellow fever virus",
	"Japanese encephalitis virus",
	"West Nile virus",
	"Chikungunya virus",
	"Rabies virus",
	"HIV",
	"Hepatitis B virus",
	"Hepatitis C virus",
}

// SelectAgentsTier1 lists CDC Tier 1 select agents.
var SelectAgentsTier1 = []string{
	"Bacillus anthracis",
	"Clostridium botulinum",
	"Francisella tularensis",
	"Yersinia pestis",
	"Ebola virus",
	"Marburg virus",
	"Variola virus",
	"Foot-and-mouth disease virus",
	"Rinderpest virus",
}

// GOFIndicators are phrases associated with gain-of-function work.
var GOFIndicators = []string{
	"enhanced transmissibility",
	"increased transmissibility",
	"airborne transmission",
	"aerosol transmission",
	"enhanced virulence",
	"increased virulence",
	"enhanced pathogenicity",
	"host range expansion",
	"host adaptation",
	"immune evasion",
	"antibody escape",
	"vaccine escape",
	"antiviral resistance",
	"drug resistance",
	"serial passage",
	"directed evolution",
	"gain of function",
	"gain-of-function",
	"enhanced pandemic potential",
	"chimeric virus",
	"recombinant virus",
	"reverse genetics",
}

// DualUseIndicators are phrases associated with misusable methodology.
var DualUseIndicators = []string{
	"detailed protocol",
	"step-by-step",
	"de novo synthesis",
	"genome synthesis",
	"reconstruction",
	"reconstitution",
	"weaponization",
	"aerosolization",
	"delivery mechanism",
	"dissemination",
	"mass production",
	"scale up",
	"stability enhancement",
}

type bslRequirement struct {
	pathogen string
	level    int
}

// bslRequirements is ordered so the most demanding matches are found first.
var bslRequirements = []bslRequirement{
	{"Ebola virus", 4},
	{"Marburg virus", 4},
	{"Lassa virus", 4},
	{"Variola virus", 4},
	{"Crimean-Congo hemorrhagic fever virus", 4},
	{"Nipah virus", 4},
	{"Hendra virus", 4},
	{"Junin virus", 4},
	{"Machupo virus", 4},

	{"SARS-CoV", 3},
	{"SARS-CoV-2", 3},
	{"MERS-CoV", 3},
	{"Mycobacterium tuberculosis", 3},
	{"Yersinia pestis", 3},
	{"Bacillus anthracis", 3},
	{"Francisella tularensis", 3},
	{"Brucella", 3},
	{"HIV", 3},
	{"Influenza H5N1", 3},
	{"Influenza H7N9", 3},
	{"Yellow fever virus", 3},
	{"West Nile virus", 3},
	{"Japanese encephalitis virus", 3},
	{"Rabies virus", 3},
	{"Rift Valley fever virus", 3},
	{"Hantavirus", 3},

	{"Salmonella", 2},
	{"Hepatitis B virus", 2},
	{"Hepatitis C virus", 2},
	{"Dengue virus", 2},
	{"Zika virus", 2},
	{"Chikungunya virus", 2},
	{"Staphylococcus aureus", 2},
	{"Vibrio cholerae", 2},
}

// PathogenRiskLevel rates a pathogen name from RiskLevelLow to RiskLevelSelectAgent.
// Tier 1 select agents rate 5, then the required containment level decides,
// and any other WHO priority pathogen rates 3.
func PathogenRiskLevel(name string) int {
	if strings.TrimSpace(name) == "" {
		return RiskLevelLow
	}

	for _, agent := range SelectAgentsTier1 {
		if namesMatch(name, agent) {
			return RiskLevelSelectAgent
		}
	}
	if level, ok := lookupBSL(name); ok {
		return level
	}
	for _, p := range WHOPriorityPathogens {
		if namesMatch(name, p) {
			return RiskLevelBSL3
		}
	}
	return RiskLevelLow
}

// RequiredBSL returns the biosafety level a pathogen must be handled at,
// or DefaultRequiredBSL when it is not in the table.
func RequiredBSL(name string) int {
	if strings.TrimSpace(name) == "" {
		return DefaultRequiredBSL
	}
	if level, ok := lookupBSL(name); ok {
		return level
	}
	return DefaultRequiredBSL
}

func lookupBSL(name string) (int, bool) {
	for _, req := range bslRequirements {
		if namesMatch(name, req.pathogen) {
			return req.level, true
		}
	}
	return 0, false
}

// namesMatch is a case-insensitive substring match in either direction.
func namesMatch(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(b)
	return strings.Contains(a, b) || strings.Contains(b, a)
}
