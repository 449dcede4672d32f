package verification

import "fmt"

const (
	promptName = "Bienvenido. Para atenderte necesitamos validar tu identidad. " +
		"Por favor escribe tu nombre completo (nombres y apellidos)."
	promptNameInvalid = "No pudimos validar el nombre. Escribe al menos un nombre y un apellido, " +
		"solo con letras."
	promptDocumentType = "Gracias. ¿Cuál es tu tipo de documento?\n" +
		"1. CC - Cédula de ciudadanía\n" +
		"2. CE - Cédula de extranjería\n" +
		"3. Otro (pasaporte, PEP, etc.)"
	promptDocumentTypeInvalid = "Tipo de documento no reconocido. Responde CC, CE u Otro " +
		"(o el número de la opción)."
	promptConfirmInvalid = "No entendimos tu respuesta. Responde SI si los datos son correctos o NO para actualizarlos."
	promptVerified       = "¡Gracias! Tus datos fueron validados. En un momento te atendemos."
)

func promptDocumentNumber(docType string) string {
	return fmt.Sprintf("Escribe tu número de %s, sin puntos ni espacios.", docTypeLabel(docType))
}

func promptDocumentNumberInvalid(docType string, r Rules) string {
	switch docType {
	case DocNationalID:
		return fmt.Sprintf("El número de cédula de ciudadanía debe tener exactamente %d dígitos. Intenta de nuevo.",
			r.PrimaryIDLength)
	case DocForeignID:
		return fmt.Sprintf("El número de cédula de extranjería debe tener entre %d y %d caracteres. Intenta de nuevo.",
			r.ForeignIDMin, r.ForeignIDMax)
	default:
		return fmt.Sprintf("El número de documento debe tener al menos %d caracteres. Intenta de nuevo.",
			r.FallbackMin)
	}
}

func promptConfirm(name, docType, number string) string {
	return fmt.Sprintf("Hola de nuevo. Tenemos registrados estos datos:\n"+
		"Nombre: %s\nDocumento: %s %s\n"+
		"¿Son correctos? Responde SI o NO.", name, docType, maskNumber(number))
}

func docTypeLabel(docType string) string {
	switch docType {
	case DocNationalID:
		return "cédula de ciudadanía"
	case DocForeignID:
		return "cédula de extranjería"
	default:
		return "documento"
	}
}

// maskNumber keeps the last four characters visible.
func maskNumber(n string) string {
	r := []rune(n)
	if len(r) <= 4 {
		return n
	}
	masked := make([]rune, len(r))
	for i := range r {
		if i < len(r)-4 {
			masked[i] = '*'
		} else {
			masked[i] = r[i]
		}
	}
	return string(masked)
}
