package terminology

// Code systems recognized by the normalizer.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
	SystemATC    = "http://www.whocc.no/atc"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
)

// snomedOrganisms maps SNOMED CT concept codes to canonical organism keys.
var snomedOrganisms = map[string]string{
	"112283007": "Escherichia coli",
	"3092008":   "Staphylococcus aureus",
	"9875009":   "Pseudomonas aeruginosa",
	"40886007":  "Klebsiella pneumoniae",
	"85729005":  "Enterococcus faecium",
	"78006001":  "Enterococcus faecalis",
	"5595000":   "Acinetobacter baumannii",
	"73457008":  "Proteus mirabilis",
	"14385002":  "Enterobacter cloacae",
	"83512007":  "Citrobacter freundii",
	"90272000":  "Streptococcus pneumoniae",
	"115329001": "Methicillin resistant Staphylococcus aureus",
}

// organismAliases maps normalized display strings to canonical keys.
// Includes laboratory abbreviations and the short codes common in HL7
// OBX organism values.
var organismAliases = map[string]string{
	"e coli":                  "Escherichia coli",
	"ecoli":                   "Escherichia coli",
	"escherichia coli":        "Escherichia coli",
	"s aureus":                "Staphylococcus aureus",
	"saur":                    "Staphylococcus aureus",
	"staph aureus":            "Staphylococcus aureus",
	"staphylococcus aureus":   "Staphylococcus aureus",
	"p aeruginosa":            "Pseudomonas aeruginosa",
	"paer":                    "Pseudomonas aeruginosa",
	"pseudomonas aeruginosa":  "Pseudomonas aeruginosa",
	"k pneumoniae":            "Klebsiella pneumoniae",
	"kpne":                    "Klebsiella pneumoniae",
	"klebsiella pneumoniae":   "Klebsiella pneumoniae",
	"e faecalis":              "Enterococcus faecalis",
	"efae":                    "Enterococcus faecalis",
	"enterococcus faecalis":   "Enterococcus faecalis",
	"e faecium":               "Enterococcus faecium",
	"efam":                    "Enterococcus faecium",
	"enterococcus faecium":    "Enterococcus faecium",
	"a baumannii":             "Acinetobacter baumannii",
	"acinetobacter baumannii": "Acinetobacter baumannii",
	"p mirabilis":             "Proteus mirabilis",
	"proteus mirabilis":       "Proteus mirabilis",
	"e cloacae":               "Enterobacter cloacae",
	"enterobacter cloacae":    "Enterobacter cloacae",
	"s pneumoniae":            "Streptococcus pneumoniae",
	"streptococcus pneumoniae": "Streptococcus pneumoniae",
	"mrsa": "Methicillin resistant Staphylococcus aureus",
}

// atcAntibiotics maps ATC codes to canonical antibiotic keys.
var atcAntibiotics = map[string]string{
	"J01CA04": "Amoxicillin",
	"J01CA01": "Ampicillin",
	"J01CF04": "Oxacillin",
	"J01DD04": "Ceftriaxone",
	"J01DD02": "Ceftazidime",
	"J01DD01": "Cefotaxime",
	"J01DB04": "Cefazolin",
	"J01DE01": "Cefepime",
	"J01DI02": "Ceftaroline",
	"J01DH02": "Meropenem",
	"J01DH51": "Imipenem",
	"J01DH03": "Ertapenem",
	"J01MA02": "Ciprofloxacin",
	"J01GB03": "Gentamicin",
	"J01XA01": "Vancomycin",
	"J01FF01": "Clindamycin",
	"J01FA01": "Erythromycin",
	"J01CA12": "Piperacillin",
	"J01DF01": "Aztreonam",
	"J01XE01": "Nitrofurantoin",
	"J01EE01": "Trimethoprim-sulfamethoxazole",
}

// antibioticAliases maps normalized display strings (and the short codes
// used in HL7 OBX identifiers) to canonical antibiotic keys.
var antibioticAliases = map[string]string{
	"amoxicillin":   "Amoxicillin",
	"amx":           "Amoxicillin",
	"ampicillin":    "Ampicillin",
	"amp":           "Ampicillin",
	"oxacillin":     "Oxacillin",
	"oxa":           "Oxacillin",
	"ceftriaxone":   "Ceftriaxone",
	"cro":           "Ceftriaxone",
	"ceftazidime":   "Ceftazidime",
	"caz":           "Ceftazidime",
	"cefotaxime":    "Cefotaxime",
	"ctx":           "Cefotaxime",
	"cefazolin":     "Cefazolin",
	"cfz":           "Cefazolin",
	"cefepime":      "Cefepime",
	"fep":           "Cefepime",
	"cefoxitin":     "Cefoxitin",
	"fox":           "Cefoxitin",
	"ceftaroline":   "Ceftaroline",
	"cpt":           "Ceftaroline",
	"ceftobiprole":  "Ceftobiprole",
	"meropenem":     "Meropenem",
	"mem":           "Meropenem",
	"imipenem":      "Imipenem",
	"ipm":           "Imipenem",
	"ertapenem":     "Ertapenem",
	"etp":           "Ertapenem",
	"doripenem":     "Doripenem",
	"ciprofloxacin": "Ciprofloxacin",
	"cip":           "Ciprofloxacin",
	"gentamicin":    "Gentamicin",
	"gen":           "Gentamicin",
	"vancomycin":    "Vancomycin",
	"van":           "Vancomycin",
	"teicoplanin":   "Teicoplanin",
	"clindamycin":   "Clindamycin",
	"cli":           "Clindamycin",
	"erythromycin":  "Erythromycin",
	"ery":           "Erythromycin",
	"piperacillin":  "Piperacillin",
	"pip":           "Piperacillin",
	"piperacillin tazobactam":         "Piperacillin-tazobactam",
	"amoxicillin clavulanate":         "Amoxicillin-clavulanate",
	"amoxicillin clavulanic acid":     "Amoxicillin-clavulanate",
	"aztreonam":                       "Aztreonam",
	"atm":                             "Aztreonam",
	"nitrofurantoin":                  "Nitrofurantoin",
	"nit":                             "Nitrofurantoin",
	"trimethoprim sulfamethoxazole":   "Trimethoprim-sulfamethoxazole",
	"sxt":                             "Trimethoprim-sulfamethoxazole",
	"tigecycline":                     "Tigecycline",
	"fosfomycin":                      "Fosfomycin",
	"linezolid":                       "Linezolid",
	"daptomycin":                      "Daptomycin",
}

// loincSusceptibility maps LOINC susceptibility panel codes to the
// antibiotic they measure. Only the codes seen in upstream feeds; the
// oracle covers the long tail.
var loincSusceptibility = map[string]string{
	"18864-9": "Ampicillin",
	"18862-3": "Amoxicillin-clavulanate",
	"18868-0": "Aztreonam",
	"18886-2": "Ceftriaxone",
	"18879-7": "Ceftazidime",
	"18906-8": "Ciprofloxacin",
	"18928-2": "Gentamicin",
	"18936-5": "Meropenem",
	"18961-3": "Oxacillin",
	"19000-9": "Vancomycin",
	"18908-4": "Clindamycin",
	"18919-1": "Erythromycin",
	"35802-0": "Cefoxitin",
}

// LOINCOrganismIdentified is the LOINC code for culture organism
// identification observations.
const LOINCOrganismIdentified = "634-6"

// LOINCAntibiotic returns the antibiotic measured by a LOINC
// susceptibility code, if known.
func LOINCAntibiotic(code string) (string, bool) {
	name, ok := loincSusceptibility[code]
	return name, ok
}
